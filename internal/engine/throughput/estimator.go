package throughput

import "time"

// DefaultWindow is how long samples are retained.
const DefaultWindow = 3 * time.Second

// Sample is the number of bytes seen during one tick, stamped with the time
// the tick was closed.
type Sample struct {
	At    time.Time
	Bytes uint64
}

// Estimator tracks a per-second byte rate over a sliding window of per-tick
// samples. Memory is bounded by window/tick samples regardless of how long the
// connection lives.
//
// Estimator is not safe for concurrent use; the connection table serializes
// access to it.
type Estimator struct {
	window  time.Duration
	samples []Sample // oldest first
	pending uint64
	rate    float64
}

// New creates an estimator retaining samples for window. A non-positive
// window selects DefaultWindow.
func New(window time.Duration) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{window: window}
}

// Add accounts bytes to the current tick.
func (e *Estimator) Add(bytes int) {
	if bytes > 0 {
		e.pending += uint64(bytes)
	}
}

// Rotate closes the current tick at now: samples at or beyond the retention
// window are dropped and the bytes accumulated since the last rotation become
// the newest sample.
func (e *Estimator) Rotate(now time.Time) {
	limit := now.Add(-e.window)
	drop := 0
	for drop < len(e.samples) && !e.samples[drop].At.After(limit) {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}

	e.samples = append(e.samples, Sample{At: now, Bytes: e.pending})
	e.pending = 0
}

// Recalculate recomputes the rate from the retained samples. The measured
// span is newest - oldest plus one tick, so a single sample covers exactly
// one tick. A non-positive span yields zero.
func (e *Estimator) Recalculate(tick time.Duration) float64 {
	if len(e.samples) == 0 {
		e.rate = 0
		return 0
	}

	var total uint64
	for _, s := range e.samples {
		total += s.Bytes
	}
	oldest := e.samples[0].At
	newest := e.samples[len(e.samples)-1].At

	span := newest.Sub(oldest) + tick
	if span <= 0 {
		e.rate = 0
		return 0
	}
	e.rate = float64(total) / span.Seconds()
	return e.rate
}

// Rate returns the last computed rate in bytes per second.
func (e *Estimator) Rate() float64 {
	return e.rate
}

// Pending returns the bytes accounted to the still-open tick.
func (e *Estimator) Pending() uint64 {
	return e.pending
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	return len(e.samples)
}
