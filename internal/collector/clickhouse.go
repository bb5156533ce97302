package collector

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/model"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

const defaultBatchSize = 500

const createTableStatement = `
CREATE TABLE IF NOT EXISTS connection_history (
    ID          UUID,
    ClientIP    String,
    ClientPort  UInt16,
    ServerIP    String,
    ServerPort  UInt16,
    Protocol    UInt8,
    State       LowCardinality(String),
    FirstSeen   DateTime64(3),
    LastSeen    DateTime64(3),
    Packets     UInt64,
    Bytes       UInt64,
    ClientHost  String,
    ServerHost  String,
    Service     String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(LastSeen)
ORDER BY (ServerIP, LastSeen);
`

const insertStatement = "INSERT INTO connection_history"

// batchConn is the part of driver.Conn the sink needs.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseSink buffers disposed connections and inserts them into the
// connection_history table in batches.
type ClickHouseSink struct {
	conn      batchConn
	batchSize int
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []model.Connection
}

// NewClickHouseSink connects to ClickHouse and ensures the table exists.
func NewClickHouseSink(cfg config.ClickHouseConfig, logger zerolog.Logger) (*ClickHouseSink, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	s := newClickHouseSink(conn, cfg.BatchSize, logger)
	s.logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("Connected to ClickHouse")
	return s, nil
}

func newClickHouseSink(conn batchConn, batchSize int, logger zerolog.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ClickHouseSink{
		conn:      conn,
		batchSize: batchSize,
		logger:    logger.With().Str("sink", "clickhouse").Logger(),
		pending:   make([]model.Connection, 0, batchSize),
	}
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Collect buffers a connection and flushes once the batch is full.
func (s *ClickHouseSink) Collect(c model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, c)
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.flushLocked()
}

// Flush inserts everything buffered so far.
func (s *ClickHouseSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *ClickHouseSink) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	rows := s.pending
	s.pending = s.pending[:0]

	batch, err := s.conn.PrepareBatch(context.Background(), insertStatement)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, c := range rows {
		if err := batch.Append(row(c)...); err != nil {
			return fmt.Errorf("failed to append connection to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("Wrote connections to ClickHouse")
	return nil
}

// row lays a connection out in connection_history column order.
func row(c model.Connection) []any {
	return []any{
		c.ID,
		c.Key.Client.Addr.String(),
		c.Key.Client.Port,
		c.Key.Server.Addr.String(),
		c.Key.Server.Port,
		uint8(c.Key.Protocol),
		c.State.String(),
		c.FirstSeen,
		c.LastSeen,
		c.Packets,
		c.Bytes,
		c.Names.ClientHost,
		c.Names.ServerHost,
		c.Names.ServerService,
	}
}

// Close flushes the remaining rows and closes the connection.
func (s *ClickHouseSink) Close() error {
	err := s.Flush()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
