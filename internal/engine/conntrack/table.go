package conntrack

import (
	"Go2ConnTrack/internal/engine/flow"
	"Go2ConnTrack/internal/engine/throughput"
	"Go2ConnTrack/internal/metrics"
	"Go2ConnTrack/internal/model"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultInterval      = time.Second
	DefaultRemoveTimeout = 10 * time.Second
)

// ErrStarted is returned by Start when the maintenance loop already ran.
var ErrStarted = errors.New("conntrack: table already started")

// RunState is the lifecycle of the table's maintenance loop.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateStopping
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Options configures a Table. Zero values select defaults.
type Options struct {
	// Interval is the maintenance period and the throughput tick.
	Interval time.Duration
	// RemoveTimeout is the idle time after which a purge removes a record.
	RemoveTimeout time.Duration
	LockTimeout   time.Duration
	// Window is the throughput retention window.
	Window time.Duration

	Identity *flow.Identity
	// DetectExisting allows TCP records to start from a non-SYN packet.
	DetectExisting bool

	Resolver  model.Resolver
	Collector model.Collector
	Clock     func() time.Time
	// OnFatal is invoked once with the first unrecoverable fault.
	OnFatal func(error)
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Table is the set of tracked connections. All record mutation happens under
// its lock.
type Table struct {
	identity       *flow.Identity
	detectExisting bool
	removeTimeout  time.Duration
	lockTimeout    time.Duration
	window         time.Duration
	resolver       model.Resolver
	collector      model.Collector
	clock          func() time.Time
	onFatal        func(error)
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	sem     *semaphore.Weighted
	records map[model.FlowKey]*Record
	order   []*Record // insertion order
	nextSeq uint64

	count    atomic.Int64
	purging  atomic.Bool
	interval atomic.Int64
	state    atomic.Int32

	stopCh    chan struct{}
	done      chan struct{} // closed when run exits
	stopped   chan struct{} // closed once the state is DONE
	fatalOnce sync.Once

	// ctx bounds in-flight name resolution; cancelled on Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTable creates an idle table with purging enabled.
func NewTable(opts Options) *Table {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RemoveTimeout <= 0 {
		opts.RemoveTimeout = DefaultRemoveTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Window <= 0 {
		opts.Window = throughput.DefaultWindow
	}
	if opts.Identity == nil {
		opts.Identity = flow.NewIdentity()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Table{
		identity:       opts.Identity,
		detectExisting: opts.DetectExisting,
		removeTimeout:  opts.RemoveTimeout,
		lockTimeout:    opts.LockTimeout,
		window:         opts.Window,
		resolver:       opts.Resolver,
		collector:      opts.Collector,
		clock:          opts.Clock,
		onFatal:        opts.OnFatal,
		logger:         opts.Logger.With().Str("component", "conntrack").Logger(),
		metrics:        opts.Metrics,
		sem:            semaphore.NewWeighted(1),
		records:        make(map[model.FlowKey]*Record),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	t.interval.Store(int64(opts.Interval))
	t.purging.Store(true)
	return t
}

// Start launches the maintenance loop.
func (t *Table) Start() error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("%w (state %s)", ErrStarted, t.State())
	}
	go t.run()
	t.logger.Debug().Dur("interval", t.Interval()).Msg("Maintenance loop started")
	return nil
}

// Stop ends the maintenance loop and waits for it to exit. In-flight name
// lookups are cancelled but not waited for. Stop is idempotent and every
// return observes StateDone.
func (t *Table) Stop() {
	for {
		switch t.State() {
		case StateIdle:
			if t.state.CompareAndSwap(int32(StateIdle), int32(StateDone)) {
				t.cancel()
				close(t.stopped)
				return
			}
		case StateRunning:
			if t.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
				close(t.stopCh)
				<-t.done
				t.state.Store(int32(StateDone))
				t.cancel()
				close(t.stopped)
				t.logger.Debug().Msg("Maintenance loop stopped")
				return
			}
		default:
			<-t.stopped
			return
		}
	}
}

// State returns the lifecycle state.
func (t *Table) State() RunState {
	return RunState(t.state.Load())
}

// Close stops the table and hands every remaining record to the collector.
func (t *Table) Close() error {
	t.Stop()
	if err := t.Lock(); err != nil {
		return err
	}
	defer t.Unlock()

	now := t.clock()
	for _, r := range t.order {
		t.dispose(r.view(now, false))
	}
	n := len(t.order)
	t.records = make(map[model.FlowKey]*Record)
	t.order = nil
	t.count.Store(0)
	t.metrics.SetConnections(0)
	t.logger.Debug().Int("connections", n).Msg("Table closed")
	return nil
}

// run sweeps once per interval. Wakeups are aligned to multiples of the
// interval so that sweeps and display ticks stay in phase.
func (t *Table) run() {
	defer close(t.done)
	for {
		timer := time.NewTimer(untilNextTick(time.Now(), t.Interval()))
		select {
		case <-t.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := t.Sweep(); err != nil {
			return
		}
	}
}

// untilNextTick returns the time from now to the next multiple of interval.
func untilNextTick(now time.Time, interval time.Duration) time.Duration {
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

// ProcessPacket feeds a packet to its connection, creating the connection
// when none matches. It reports whether the packet is tracked; the error is
// non-nil only when the table lock timed out.
func (t *Table) ProcessPacket(ev *model.PacketEvent) (bool, error) {
	if err := t.Lock(); err != nil {
		return false, err
	}
	defer t.Unlock()
	return t.processLocked(ev), nil
}

func (t *Table) processLocked(ev *model.PacketEvent) bool {
	now := t.clock()
	key := t.identity.Key(ev)
	if r, ok := t.records[key]; ok {
		r.AcceptPacket(ev, now)
		t.metrics.Packet(metrics.OutcomeMatched)
		return true
	}

	if ev.IsTCP() && !t.detectExisting && !ev.Flags.Has(model.FlagSYN) {
		t.metrics.Packet(metrics.OutcomeIgnored)
		return false
	}

	t.nextSeq++
	r := newRecord(key, ev, t.nextSeq, t.window, now)
	t.records[key] = r
	t.order = append(t.order, r)
	n := t.count.Add(1)
	t.metrics.Packet(metrics.OutcomeNew)
	t.metrics.SetConnections(int(n))
	t.resolve(r)
	return true
}

// resolve looks up advisory names for a new record in the background.
func (t *Table) resolve(r *Record) {
	if t.resolver == nil {
		return
	}
	key := r.key
	go func() {
		clientHost, clientSvc := t.resolver.Resolve(t.ctx, key.Client, key.Protocol)
		serverHost, serverSvc := t.resolver.Resolve(t.ctx, key.Server, key.Protocol)
		r.SetNames(model.Names{
			ClientHost:    clientHost,
			ClientService: clientSvc,
			ServerHost:    serverHost,
			ServerService: serverSvc,
		})
	}()
}

// Sweep rotates every record's throughput window and, when purging, removes
// records idle longer than the remove timeout.
func (t *Table) Sweep() error {
	if err := t.Lock(); err != nil {
		return err
	}
	defer t.Unlock()
	t.sweepLocked(t.clock())
	return nil
}

func (t *Table) sweepLocked(now time.Time) {
	tick := t.Interval()
	purging := t.purging.Load()

	kept := t.order[:0]
	removed := 0
	for _, r := range t.order {
		r.rotate(now, tick)
		if purging && r.Idle(now) > t.removeTimeout {
			delete(t.records, r.key)
			t.dispose(r.view(now, false))
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(t.order[len(kept):])
	t.order = kept

	if removed > 0 {
		n := t.count.Add(int64(-removed))
		t.metrics.Purged(removed)
		t.metrics.SetConnections(int(n))
		t.logger.Debug().Int("removed", removed).Int64("remaining", n).Msg("Purged idle connections")
	}
}

func (t *Table) dispose(c model.Connection) {
	if t.collector == nil {
		return
	}
	if err := t.collector.Collect(c); err != nil {
		t.logger.Warn().Err(err).Str("flow", c.Key.String()).Msg("Collector rejected connection")
	}
}

// SnapshotLocked copies the current connections in insertion order. The
// caller must hold the lock. When poll is set each record's activity flag is
// consumed.
func (t *Table) SnapshotLocked(poll bool) []model.Connection {
	now := t.clock()
	out := make([]model.Connection, 0, len(t.order))
	for _, r := range t.order {
		out = append(out, r.view(now, poll))
	}
	return out
}

// Snapshot locks the table and copies the current connections.
func (t *Table) Snapshot(poll bool) ([]model.Connection, error) {
	if err := t.Lock(); err != nil {
		return nil, err
	}
	defer t.Unlock()
	return t.SnapshotLocked(poll), nil
}

// NumConnections returns the number of tracked connections without locking.
func (t *Table) NumConnections() int {
	return int(t.count.Load())
}

// Purge enables or disables removal of idle records.
func (t *Table) Purge(enabled bool) {
	t.purging.Store(enabled)
}

// Purging reports whether idle records are removed.
func (t *Table) Purging() bool {
	return t.purging.Load()
}

// SetInterval changes the maintenance period. The running loop picks it up
// at its next wakeup.
func (t *Table) SetInterval(d time.Duration) {
	if d > 0 {
		t.interval.Store(int64(d))
	}
}

// Interval returns the maintenance period.
func (t *Table) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

// RemoveTimeout returns the idle time after which records are purged.
func (t *Table) RemoveTimeout() time.Duration {
	return t.removeTimeout
}
