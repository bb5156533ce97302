package manager

import (
	"Go2ConnTrack/internal/api"
	"Go2ConnTrack/internal/collector"
	"Go2ConnTrack/internal/config"
	"Go2ConnTrack/internal/engine/conntrack"
	"Go2ConnTrack/internal/engine/flow"
	"Go2ConnTrack/internal/metrics"
	"Go2ConnTrack/internal/model"
	"Go2ConnTrack/internal/resolver"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const packetChannelSize = 4096

// errSourceDone ends Run when the source is exhausted and StopAtEOF is set.
var errSourceDone = errors.New("packet source exhausted")

// Deps carries the collaborators a Manager does not build from configuration.
// Zero values select the configured or default implementation.
type Deps struct {
	Logger zerolog.Logger
	// Registry receives the tracker metrics. A fresh registry is created when nil.
	Registry *prometheus.Registry
	// Resolver replaces the DNS resolver built from cfg.Resolver.
	Resolver model.Resolver
	// Collector replaces the dispatcher built from cfg.Collector.
	Collector model.Collector
	// LocalAddrs are the capture device's own addresses. They are local in
	// addition to cfg.Tracker.LocalNetworks.
	LocalAddrs []netip.Addr
	Clock      func() time.Time
	// StopAtEOF makes Run return once the packet source is exhausted.
	StopAtEOF bool
	// OnFatal is called once, after the manager has begun shutting down.
	OnFatal func(error)
}

// Manager wires a packet source to the connection table and owns the
// lifecycle of the table, the collector and the API server.
type Manager struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	table     *conntrack.Table
	collector model.Collector
	replay    *conntrack.ReplayClock
	stopAtEOF bool
	onFatal   func(error)

	fatalOnce sync.Once
	fatalCh   chan struct{}

	mu    sync.Mutex
	err   error
	final []model.Connection
}

// New builds the flow identity, resolver, collector, metrics and table.
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	logger := deps.Logger.With().Str("component", "manager").Logger()

	identity, err := buildIdentity(cfg.Tracker, deps.LocalAddrs)
	if err != nil {
		return nil, err
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   metrics.New(reg),
		stopAtEOF: deps.StopAtEOF,
		onFatal:   deps.OnFatal,
		fatalCh:   make(chan struct{}),
	}

	res := deps.Resolver
	if res == nil && cfg.Resolver.Enabled {
		res = resolver.New(cfg.Resolver, nil, deps.Logger)
	}

	m.collector = deps.Collector
	if m.collector == nil {
		d, err := collector.New(cfg.Collector, deps.Logger, m.metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create collector: %w", err)
		}
		m.collector = d
	}

	clock := deps.Clock
	if clock == nil && cfg.Capture.ReadFile != "" {
		m.replay = &conntrack.ReplayClock{}
		clock = m.replay.Now
	}

	m.table = conntrack.NewTable(conntrack.Options{
		Interval:       cfg.Tracker.RefreshInterval.Std(),
		RemoveTimeout:  cfg.Tracker.RemoveTimeout.Std(),
		LockTimeout:    cfg.Tracker.LockTimeout.Std(),
		Window:         cfg.Tracker.RateWindow.Std(),
		Identity:       identity,
		DetectExisting: cfg.Tracker.DetectExisting,
		Resolver:       res,
		Collector:      m.collector,
		Clock:          clock,
		OnFatal:        m.Fatal,
		Logger:         deps.Logger,
		Metrics:        m.metrics,
	})
	return m, nil
}

func buildIdentity(cfg config.TrackerConfig, localAddrs []netip.Addr) (*flow.Identity, error) {
	prefixes, err := flow.ParsePrefixes(cfg.LocalNetworks)
	if err != nil {
		return nil, err
	}
	if cfg.LocalNetworksFile != "" {
		fromFile, err := flow.LoadNetworksFile(cfg.LocalNetworksFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load local networks: %w", err)
		}
		prefixes = append(prefixes, fromFile...)
	}
	for _, a := range localAddrs {
		a = a.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	servers, err := flow.ParseAddrs(cfg.ServerAddresses)
	if err != nil {
		return nil, err
	}

	var opts []flow.Option
	if len(prefixes) > 0 {
		opts = append(opts, flow.WithLocal(flow.LocalNetworks(prefixes...)))
	}
	opts = append(opts, flow.WithServerAddrs(servers...))
	return flow.NewIdentity(opts...), nil
}

// Table returns the connection table.
func (m *Manager) Table() *conntrack.Table {
	return m.table
}

// Registry returns the metrics registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Run starts the table loop, the ingestion goroutine and, when enabled, the
// API server. It blocks until ctx is done, a fatal error is reported or, with
// StopAtEOF, the source is exhausted. The table and the collector are closed
// before Run returns.
func (m *Manager) Run(ctx context.Context, source model.PacketSource) error {
	if err := m.table.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan *model.PacketEvent, packetChannelSize)

	g.Go(func() error {
		defer close(events)
		if err := source.Run(gctx, events); err != nil {
			return fmt.Errorf("packet source failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return m.ingest(events)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-m.fatalCh:
			return m.Err()
		}
	})
	if m.cfg.API.Enabled {
		srv := api.New(m.cfg.API, m.table, m.registry, m.logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	m.logger.Info().Msg("Manager started")

	err := g.Wait()
	if errors.Is(err, errSourceDone) {
		err = nil
	}
	if ferr := m.Err(); ferr != nil {
		err = ferr
	}
	m.shutdown()
	return err
}

// ingest feeds events to the table until the channel closes or the table
// lock fails.
func (m *Manager) ingest(events <-chan *model.PacketEvent) error {
	var n uint64
	for ev := range events {
		if m.replay != nil {
			m.replay.Observe(ev.Timestamp)
		}
		if _, err := m.table.ProcessPacket(ev); err != nil {
			return err
		}
		n++
	}
	m.logger.Info().Uint64("packets", n).Msg("Packet source finished")
	if m.stopAtEOF {
		return errSourceDone
	}
	return nil
}

func (m *Manager) shutdown() {
	m.table.Stop()
	// After a lock fault the table cannot be drained.
	if m.Err() == nil {
		if final, err := m.table.Snapshot(false); err == nil {
			m.mu.Lock()
			m.final = final
			m.mu.Unlock()
		}
		if err := m.table.Close(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to close connection table")
		}
	}
	if err := m.collector.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to close collector")
	}
	m.logger.Info().Msg("Manager stopped")
}

// Final returns the last snapshot taken before the table was closed.
func (m *Manager) Final() []model.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final
}

// Fatal records the first unrecoverable error and makes Run return it.
func (m *Manager) Fatal(err error) {
	m.fatalOnce.Do(func() {
		m.logger.Error().Err(err).Msg("Fatal error, shutting down")
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.fatalCh)
		if m.onFatal != nil {
			m.onFatal(err)
		}
	})
}

// Err returns the error passed to Fatal, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
