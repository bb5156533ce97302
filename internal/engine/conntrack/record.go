package conntrack

import (
	"Go2ConnTrack/internal/engine/flow"
	"Go2ConnTrack/internal/engine/throughput"
	"Go2ConnTrack/internal/model"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Record is the mutable tracking state of one flow.
//
// Everything except the advisory names is guarded by the owning table's lock.
// Names are swapped in atomically by the resolution task and may be read at
// any time.
type Record struct {
	id  uuid.UUID
	seq uint64
	key model.FlowKey

	state     model.TCPState
	packets   uint64
	bytes     uint64
	firstSeen time.Time
	lastSeen  time.Time
	active    bool

	est *throughput.Estimator
	fin [2]finTrack

	names atomic.Pointer[model.Names]
}

// newRecord creates a record from the first packet of a flow. now is used
// when the packet carries no capture timestamp.
func newRecord(key model.FlowKey, ev *model.PacketEvent, seq uint64, window time.Duration, now time.Time) *Record {
	r := &Record{
		id:    uuid.New(),
		seq:   seq,
		key:   key,
		state: model.StateNone,
		est:   throughput.New(window),
	}

	ts := stamp(ev, now)
	r.firstSeen = ts
	r.account(ev, ts)

	if ev.IsTCP() {
		r.state = openState(ev.Flags)
		if r.state == model.StateEstablished {
			// A mid-stream first packet may already carry a FIN.
			r.advance(ev, r.sideOf(ev))
		}
	}
	return r
}

func stamp(ev *model.PacketEvent, now time.Time) time.Time {
	if ev.Timestamp.IsZero() {
		return now
	}
	return ev.Timestamp
}

// AcceptPacket feeds a packet to the record. It returns false, leaving the
// record untouched, when the packet belongs to another flow.
func (r *Record) AcceptPacket(ev *model.PacketEvent, now time.Time) bool {
	src, dst := flow.Endpoints(ev)
	if !r.key.Matches(ev.Protocol, src, dst) {
		return false
	}

	r.account(ev, stamp(ev, now))
	if ev.IsTCP() {
		r.advance(ev, r.sideOf(ev))
	}
	return true
}

func (r *Record) account(ev *model.PacketEvent, ts time.Time) {
	r.packets++
	if ev.TotalLen > 0 {
		r.bytes += uint64(ev.TotalLen)
	}
	r.est.Add(ev.TotalLen)
	r.active = true
	if ts.After(r.lastSeen) {
		r.lastSeen = ts
	}
}

func (r *Record) sideOf(ev *model.PacketEvent) int {
	src, _ := flow.Endpoints(ev)
	if src == r.key.Client {
		return sideClient
	}
	return sideServer
}

// rotate closes the current throughput tick.
func (r *Record) rotate(now time.Time, tick time.Duration) {
	r.est.Rotate(now)
	r.est.Recalculate(tick)
}

// IsFinished reports whether the connection is CLOSED or RESET.
func (r *Record) IsFinished() bool {
	return r.state.Finished()
}

func (r *Record) ID() string             { return r.id.String() }
func (r *Record) Key() model.FlowKey     { return r.key }
func (r *Record) State() model.TCPState  { return r.state }
func (r *Record) Packets() uint64        { return r.packets }
func (r *Record) Bytes() uint64          { return r.bytes }
func (r *Record) Rate() float64          { return r.est.Rate() }
func (r *Record) FirstSeen() time.Time   { return r.firstSeen }
func (r *Record) LastSeen() time.Time    { return r.lastSeen }
func (r *Record) Client() model.Endpoint { return r.key.Client }
func (r *Record) Server() model.Endpoint { return r.key.Server }

// Idle returns the time since the last packet, never negative.
func (r *Record) Idle(now time.Time) time.Duration {
	if d := now.Sub(r.lastSeen); d > 0 {
		return d
	}
	return 0
}

// PollActivity returns whether a packet arrived since the previous poll and
// clears the flag.
func (r *Record) PollActivity() bool {
	a := r.active
	r.active = false
	return a
}

// Names returns the advisory names. Unresolved fields are empty.
func (r *Record) Names() model.Names {
	if n := r.names.Load(); n != nil {
		return *n
	}
	return model.Names{}
}

// SetNames publishes resolved names.
func (r *Record) SetNames(n model.Names) {
	r.names.Store(&n)
}

// view copies the record into an immutable Connection. When poll is set the
// activity flag is consumed.
func (r *Record) view(now time.Time, poll bool) model.Connection {
	active := r.active
	if poll {
		active = r.PollActivity()
	}
	return model.Connection{
		ID:        r.ID(),
		Seq:       r.seq,
		Key:       r.key,
		State:     r.state,
		Packets:   r.packets,
		Bytes:     r.bytes,
		Rate:      r.est.Rate(),
		FirstSeen: r.firstSeen,
		LastSeen:  r.lastSeen,
		Idle:      r.Idle(now),
		Active:    active,
		Names:     r.Names(),
	}
}
