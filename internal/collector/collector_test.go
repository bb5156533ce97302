package collector

import (
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/factory"
	"Go2ConnTrack/internal/model"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(i int) model.Connection {
	return model.Connection{
		ID:  "00000000-0000-0000-0000-00000000000" + string(rune('0'+i)),
		Seq: uint64(i),
		Key: model.FlowKey{
			Client:   model.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: uint16(40000 + i)},
			Server:   model.Endpoint{Addr: netip.MustParseAddr("2001:db8::80"), Port: 443},
			Protocol: layers.IPProtocolTCP,
		},
		State:     model.StateClosed,
		Packets:   uint64(10 * i),
		Bytes:     uint64(1000 * i),
		FirstSeen: t0,
		LastSeen:  t0.Add(time.Duration(i) * time.Second),
		Names:     model.Names{ServerHost: "web.example", ServerService: "https"},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	got    []model.Connection
	closed bool
	block  chan struct{}
	err    error
}

func (s *recordingSink) Collect(c model.Connection) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, c)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcher_FanOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("sink down")}
	d := NewDispatcher(8, []model.Collector{a, b}, zerolog.Nop(), nil)

	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Collect(sample(i)))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 3, a.count())
	assert.Equal(t, 3, b.count(), "a failing sink still sees every connection")
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, uint64(3), d.Delivered())

	assert.ErrorIs(t, d.Collect(sample(4)), ErrClosed)
	assert.NoError(t, d.Close(), "Close is idempotent")
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(1, []model.Collector{sink}, zerolog.Nop(), nil)

	var dropped int
	for i := 1; i <= 5; i++ {
		if errors.Is(d.Collect(sample(i)), ErrQueueFull) {
			dropped++
		}
	}
	// One connection is held by the blocked worker, one sits in the queue.
	assert.GreaterOrEqual(t, dropped, 3)
	assert.Equal(t, uint64(dropped), d.Dropped())

	close(sink.block)
	require.NoError(t, d.Close())
	assert.Equal(t, 5-dropped, sink.count())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))
	require.NoError(t, s.Collect(sample(2)))
	require.NoError(t, s.Close())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "CLOSED", line["state"])
	assert.Equal(t, "[2001:db8::80]:443", line["server"])
	assert.Equal(t, float64(2000), line["bytes"])
}

func TestGobSink_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewGobSink(root, t0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2026-03-01_12-00-00"), s.Dir())

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Collect(sample(i)))
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Collect(sample(4)), ErrClosed)

	conns, err := ReadArchive(filepath.Join(s.Dir(), archiveFile))
	require.NoError(t, err)
	require.Len(t, conns, 3)
	assert.Equal(t, sample(2).Key, conns[1].Key)
	assert.True(t, sample(3).LastSeen.Equal(conns[2].LastSeen))
	assert.Equal(t, "web.example", conns[0].Names.ServerHost)

	data, err := os.ReadFile(filepath.Join(s.Dir(), summaryFile))
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, 3, sum.Connections)
	assert.Equal(t, uint64(6000), sum.TotalBytes)
	assert.Equal(t, uint64(60), sum.TotalPackets)
	assert.Equal(t, 3, sum.ByState["CLOSED"])
}

type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.conn.sent = append(b.conn.sent, b.rows)
	return nil
}

type fakeConn struct {
	sent   [][][]any
	closed bool
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	if query != insertStatement {
		return nil, errors.New("unexpected query")
	}
	return &fakeBatch{conn: c}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestClickHouseSink_Batches(t *testing.T) {
	conn := &fakeConn{}
	s := newClickHouseSink(conn, 2, zerolog.Nop())

	require.NoError(t, s.Collect(sample(1)))
	assert.Empty(t, conn.sent)
	require.NoError(t, s.Collect(sample(2)))
	require.Len(t, conn.sent, 1)
	assert.Len(t, conn.sent[0], 2)

	require.NoError(t, s.Collect(sample(3)))
	require.NoError(t, s.Close())
	require.Len(t, conn.sent, 2)
	assert.Len(t, conn.sent[1], 1)
	assert.True(t, conn.closed)

	r := conn.sent[0][1]
	require.Len(t, r, 14)
	assert.Equal(t, "10.0.0.1", r[1])
	assert.Equal(t, uint16(40002), r[2])
	assert.Equal(t, "2001:db8::80", r[3])
	assert.Equal(t, uint8(6), r[5])
	assert.Equal(t, "CLOSED", r[6])
	assert.Equal(t, "https", r[13])
}

func TestNew_FromConfig(t *testing.T) {
	assert.Subset(t, factory.Registered(), []string{"log", "gob", "clickhouse"})

	root := t.TempDir()
	d, err := New(config.CollectorConfig{
		QueueSize: 4,
		Sinks: []config.SinkDef{
			{Type: "log", Enabled: true},
			{Type: "gob", Enabled: true, Gob: config.GobConfig{RootPath: root}},
		},
	}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Collect(sample(1)))
	require.NoError(t, d.Close())

	archives, err := filepath.Glob(filepath.Join(root, "*", archiveFile))
	require.NoError(t, err)
	require.Len(t, archives, 1)
	conns, err := ReadArchive(archives[0])
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}
