// Package collector receives connections removed from the table and hands
// them to the configured sinks.
package collector

import (
	"Go2ConnTrack/internal/metrics"
	"Go2ConnTrack/internal/model"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultQueueSize = 1024

var (
	// ErrQueueFull is returned when a connection is dropped because the
	// dispatcher cannot keep up.
	ErrQueueFull = errors.New("collector: queue full, connection dropped")
	// ErrClosed is returned by Collect after Close.
	ErrClosed = errors.New("collector: closed")
)

// Dispatcher fans disposed connections out to a set of sinks from a single
// background goroutine. Collect never blocks.
type Dispatcher struct {
	queue   chan model.Connection
	sinks   []model.Collector
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher and starts its worker.
func NewDispatcher(queueSize int, sinks []model.Collector, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		queue:   make(chan model.Connection, queueSize),
		sinks:   sinks,
		logger:  logger.With().Str("component", "collector").Logger(),
		metrics: m,
		done:    make(chan struct{}),
	}
	go d.run()
	d.logger.Debug().Int("sinks", len(sinks)).Int("queue", queueSize).Msg("Collector started")
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for conn := range d.queue {
		for _, s := range d.sinks {
			if err := s.Collect(conn); err != nil {
				d.logger.Warn().Err(err).Str("flow", conn.Key.String()).Msg("Sink failed")
			}
		}
		d.delivered.Add(1)
	}
}

// Collect enqueues a connection for the sinks.
func (d *Dispatcher) Collect(conn model.Connection) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- conn:
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.Dropped()
		return ErrQueueFull
	}
}

// Close drains the queue, then closes every sink.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		<-d.done

		var errs []error
		for _, s := range d.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
		d.logger.Debug().
			Uint64("delivered", d.delivered.Load()).
			Uint64("dropped", d.dropped.Load()).
			Msg("Collector closed")
	})
	return d.closeErr
}

// Delivered returns the number of connections handed to the sinks.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// Dropped returns the number of connections dropped on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
