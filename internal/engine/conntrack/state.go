package conntrack

import (
	"Go2ConnTrack/internal/model"
)

const (
	sideClient = 0
	sideServer = 1
)

// finTrack is the FIN-ACK expectation for one direction of a connection.
// expect is the acknowledgment number the peer must send to confirm the FIN.
type finTrack struct {
	expect uint32
	armed  bool
	acked  bool
}

// openState returns the state a TCP record starts in, given its first packet.
// A first packet without SYN is a connection that predates the capture.
func openState(flags model.TCPFlags) model.TCPState {
	switch {
	case flags.Has(model.FlagRST):
		return model.StateReset
	case flags.Has(model.FlagSYN | model.FlagACK):
		return model.StateSynAckSent
	case flags.Has(model.FlagSYN):
		return model.StateSynSent
	default:
		return model.StateEstablished
	}
}

// advance runs the TCP state machine for one packet. side is the sending side
// of the packet.
//
// RST wins over every other transition. A record in a terminal state keeps
// its state, except that CLOSED still moves to RESET.
func (r *Record) advance(ev *model.PacketEvent, side int) {
	flags := ev.Flags
	if flags.Has(model.FlagRST) {
		r.state = model.StateReset
		return
	}
	if r.state.Finished() {
		return
	}

	if flags.Has(model.FlagFIN) {
		r.armFin(ev, side)
	}
	if flags.Has(model.FlagACK) {
		r.observeAck(ev.Ack, side)
	}

	switch r.state {
	case model.StateSynSent:
		if flags.Has(model.FlagSYN | model.FlagACK) {
			r.state = model.StateSynAckSent
		}
	case model.StateSynAckSent:
		if flags.Has(model.FlagACK) && !flags.Has(model.FlagSYN) {
			r.state = model.StateEstablished
			if flags.Has(model.FlagFIN) {
				r.state = model.StateFinWait
			}
		}
	case model.StateEstablished:
		if flags.Has(model.FlagFIN) {
			r.state = model.StateFinWait
		}
	case model.StateFinWait:
		if r.fin[sideClient].acked && r.fin[sideServer].acked {
			r.state = model.StateClosed
		}
	}
}

// armFin records that side sent a FIN. The peer confirms it by acknowledging
// seq + payload + 1.
func (r *Record) armFin(ev *model.PacketEvent, side int) {
	r.fin[side] = finTrack{
		expect: ev.Seq + uint32(ev.PayloadLen()) + 1,
		armed:  true,
	}
}

// observeAck checks an acknowledgment sent by side against the FIN the
// opposite side is waiting on.
func (r *Record) observeAck(ack uint32, side int) {
	peer := &r.fin[1-side]
	if peer.armed && !peer.acked && ack == peer.expect {
		peer.acked = true
	}
}
