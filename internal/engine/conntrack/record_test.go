package conntrack

import (
	"Go2ConnTrack/internal/engine/flow"
	"Go2ConnTrack/internal/model"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tcpHeader = 40 // IPv4 + TCP without options

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client = model.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 50000}
	server = model.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 80}
)

// seg builds a TCP segment. fromClient selects the direction.
func seg(fromClient bool, flags model.TCPFlags, seq, ack uint32, payload int) *model.PacketEvent {
	src, dst := client, server
	if !fromClient {
		src, dst = server, client
	}
	return &model.PacketEvent{
		Timestamp: t0,
		Protocol:  layers.IPProtocolTCP,
		Src:       src,
		Dst:       dst,
		TotalLen:  tcpHeader + payload,
		HeaderLen: tcpHeader,
		Flags:     flags,
		Seq:       seq,
		Ack:       ack,
	}
}

func open(t *testing.T, first *model.PacketEvent) *Record {
	t.Helper()
	key := flow.NewIdentity().Key(first)
	r := newRecord(key, first, 1, time.Second, t0)
	require.NotNil(t, r)
	return r
}

func feed(t *testing.T, r *Record, evs ...*model.PacketEvent) {
	t.Helper()
	for _, ev := range evs {
		require.True(t, r.AcceptPacket(ev, t0), "packet %v rejected", ev.Flags)
	}
}

const (
	syn    = model.FlagSYN
	synAck = model.FlagSYN | model.FlagACK
	ack    = model.FlagACK
	finAck = model.FlagFIN | model.FlagACK
	rst    = model.FlagRST
)

// handshake returns an established record: client ISN 1000, server ISN 5000.
func handshake(t *testing.T) *Record {
	r := open(t, seg(true, syn, 1000, 0, 0))
	feed(t, r,
		seg(false, synAck, 5000, 1001, 0),
		seg(true, ack, 1001, 5001, 0),
	)
	require.Equal(t, model.StateEstablished, r.State())
	return r
}

func TestRecord_Counters(t *testing.T) {
	evs := []*model.PacketEvent{
		seg(true, syn, 1000, 0, 0),
		seg(false, synAck, 5000, 1001, 0),
		seg(true, ack, 1001, 5001, 0),
		seg(true, ack, 1001, 5001, 200),
		seg(false, ack, 5001, 1201, 1400),
	}
	r := open(t, evs[0])
	feed(t, r, evs[1:]...)

	var total uint64
	for _, ev := range evs {
		total += uint64(ev.TotalLen)
	}
	assert.Equal(t, uint64(len(evs)), r.Packets())
	assert.Equal(t, total, r.Bytes())
	assert.Equal(t, client, r.Client())
	assert.Equal(t, server, r.Server())
	assert.Equal(t, t0, r.FirstSeen())
	assert.Equal(t, t0, r.LastSeen())
}

func TestRecord_Handshake(t *testing.T) {
	r := open(t, seg(true, syn, 1000, 0, 0))
	assert.Equal(t, model.StateSynSent, r.State())

	feed(t, r, seg(true, syn, 1000, 0, 0)) // retransmitted SYN
	assert.Equal(t, model.StateSynSent, r.State())

	feed(t, r, seg(false, synAck, 5000, 1001, 0))
	assert.Equal(t, model.StateSynAckSent, r.State())

	feed(t, r, seg(true, ack, 1001, 5001, 0))
	assert.Equal(t, model.StateEstablished, r.State())
	assert.False(t, r.IsFinished())
}

func TestRecord_OpenState(t *testing.T) {
	tests := []struct {
		name  string
		first *model.PacketEvent
		want  model.TCPState
	}{
		{"syn", seg(true, syn, 1, 0, 0), model.StateSynSent},
		{"syn-ack", seg(false, synAck, 1, 2, 0), model.StateSynAckSent},
		{"rst", seg(true, rst, 1, 0, 0), model.StateReset},
		{"mid-stream", seg(true, ack, 1, 2, 100), model.StateEstablished},
		{"mid-stream fin", seg(true, finAck, 1, 2, 0), model.StateFinWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, open(t, tt.first).State())
		})
	}
}

func TestRecord_ResetFromAnyState(t *testing.T) {
	prefixes := map[string][]*model.PacketEvent{
		"syn_sent":     {seg(true, syn, 1000, 0, 0)},
		"syn_ack_sent": {seg(true, syn, 1000, 0, 0), seg(false, synAck, 5000, 1001, 0)},
		"established": {
			seg(true, syn, 1000, 0, 0), seg(false, synAck, 5000, 1001, 0), seg(true, ack, 1001, 5001, 0),
		},
		"fin_wait": {
			seg(true, syn, 1000, 0, 0), seg(false, synAck, 5000, 1001, 0), seg(true, ack, 1001, 5001, 0),
			seg(true, finAck, 1001, 5001, 0), seg(false, ack, 5001, 1002, 0),
		},
	}
	for name, prefix := range prefixes {
		t.Run(name, func(t *testing.T) {
			r := open(t, prefix[0])
			feed(t, r, prefix[1:]...)
			feed(t, r, seg(false, rst|model.FlagACK, 5001, 0, 0))
			assert.Equal(t, model.StateReset, r.State())
			assert.True(t, r.IsFinished())
		})
	}
}

func TestRecord_FinClose(t *testing.T) {
	r := handshake(t)

	feed(t, r, seg(true, finAck, 1001, 5001, 0))
	assert.Equal(t, model.StateFinWait, r.State())

	feed(t, r, seg(false, ack, 5001, 1002, 0))
	assert.Equal(t, model.StateFinWait, r.State(), "only one direction confirmed")

	feed(t, r, seg(false, finAck, 5001, 1002, 0))
	assert.Equal(t, model.StateFinWait, r.State())

	feed(t, r, seg(true, ack, 1002, 5002, 0))
	assert.Equal(t, model.StateClosed, r.State())
	assert.True(t, r.IsFinished())
}

func TestRecord_FinExpectationCountsPayload(t *testing.T) {
	r := handshake(t)

	// FIN carrying 10 bytes of data: the peer must acknowledge seq+10+1.
	feed(t, r, seg(true, finAck, 1001, 5001, 10))
	feed(t, r, seg(false, finAck, 5001, 1011, 0)) // acks the data, not the FIN
	feed(t, r, seg(true, ack, 1012, 5002, 0))
	assert.Equal(t, model.StateFinWait, r.State())

	feed(t, r, seg(false, ack, 5002, 1012, 0))
	assert.Equal(t, model.StateClosed, r.State())
}

func TestRecord_FinExpectationWraps(t *testing.T) {
	r := open(t, seg(true, ack, 0xfffffff0, 1, 0))
	feed(t, r, seg(true, finAck, 0xffffffff, 1, 0))
	feed(t, r, seg(false, finAck, 1, 0, 0))
	feed(t, r, seg(true, ack, 0, 2, 0))
	assert.Equal(t, model.StateClosed, r.State())
}

func TestRecord_ResetPreemptsFin(t *testing.T) {
	r := handshake(t)
	feed(t, r,
		seg(true, finAck, 1001, 5001, 0),
		seg(false, ack, 5001, 1002, 0),
		seg(false, rst, 5001, 0, 0),
	)
	assert.Equal(t, model.StateReset, r.State())

	// A late FIN-ACK does not revive the connection.
	feed(t, r, seg(true, ack, 1002, 5002, 0))
	assert.Equal(t, model.StateReset, r.State())
}

func TestRecord_AcceptsAfterClose(t *testing.T) {
	r := handshake(t)
	feed(t, r,
		seg(true, finAck, 1001, 5001, 0),
		seg(false, finAck, 5001, 1002, 0),
		seg(true, ack, 1002, 5002, 0),
	)
	require.Equal(t, model.StateClosed, r.State())
	before := r.Packets()

	feed(t, r, seg(false, finAck, 5001, 1002, 0)) // retransmission
	assert.Equal(t, model.StateClosed, r.State())
	assert.Equal(t, before+1, r.Packets())

	feed(t, r, seg(true, rst, 1002, 0, 0))
	assert.Equal(t, model.StateReset, r.State())
}

func TestRecord_RejectsOtherFlows(t *testing.T) {
	r := handshake(t)
	packets, bytes := r.Packets(), r.Bytes()

	other := seg(true, ack, 1, 1, 10)
	other.Src.Port = 50001
	assert.False(t, r.AcceptPacket(other, t0))

	udp := seg(true, 0, 0, 0, 10)
	udp.Protocol = layers.IPProtocolUDP
	assert.False(t, r.AcceptPacket(udp, t0))

	assert.Equal(t, packets, r.Packets())
	assert.Equal(t, bytes, r.Bytes())
}

func TestRecord_NonTCP(t *testing.T) {
	first := &model.PacketEvent{
		Timestamp: t0,
		Protocol:  layers.IPProtocolUDP,
		Src:       model.Endpoint{Addr: client.Addr, Port: 5353},
		Dst:       model.Endpoint{Addr: server.Addr, Port: 53},
		TotalLen:  80,
		HeaderLen: 28,
	}
	r := open(t, first)
	assert.Equal(t, model.StateNone, r.State())
	assert.Zero(t, r.Key().Client.Port)

	// Different ports, same hosts: the same non-TCP flow.
	reply := *first
	reply.Src, reply.Dst = first.Dst, first.Src
	reply.Src.Port = 1
	assert.True(t, r.AcceptPacket(&reply, t0))
	assert.Equal(t, uint64(2), r.Packets())
	assert.False(t, r.IsFinished())
}

func TestRecord_PollActivity(t *testing.T) {
	r := handshake(t)
	assert.True(t, r.PollActivity())
	assert.False(t, r.PollActivity())

	feed(t, r, seg(true, ack, 1001, 5001, 1))
	assert.True(t, r.PollActivity())
}

func TestRecord_IdleAndTimestamps(t *testing.T) {
	r := handshake(t)
	later := seg(true, ack, 1001, 5001, 0)
	later.Timestamp = t0.Add(3 * time.Second)
	feed(t, r, later)

	assert.Equal(t, t0, r.FirstSeen())
	assert.Equal(t, later.Timestamp, r.LastSeen())
	assert.Equal(t, 2*time.Second, r.Idle(t0.Add(5*time.Second)))
	assert.Zero(t, r.Idle(t0))

	// Missing capture timestamp falls back to the caller's clock.
	untimed := seg(true, ack, 1001, 5001, 0)
	untimed.Timestamp = time.Time{}
	require.True(t, r.AcceptPacket(untimed, t0.Add(9*time.Second)))
	assert.Equal(t, t0.Add(9*time.Second), r.LastSeen())
}

func TestRecord_Names(t *testing.T) {
	r := handshake(t)
	assert.Equal(t, model.Names{}, r.Names())

	r.SetNames(model.Names{ServerHost: "web.example", ServerService: "http"})
	assert.Equal(t, "web.example", r.Names().ServerHost)
	assert.Equal(t, "web.example", r.view(t0, false).Names.ServerHost)
}

func TestRecord_View(t *testing.T) {
	r := handshake(t)
	v := r.view(t0.Add(time.Second), true)

	assert.Equal(t, r.ID(), v.ID)
	assert.Equal(t, uint64(1), v.Seq)
	assert.Equal(t, model.StateEstablished, v.State)
	assert.Equal(t, uint64(3), v.Packets)
	assert.Equal(t, time.Second, v.Idle)
	assert.True(t, v.Active)
	assert.False(t, r.view(t0, true).Active, "poll consumed the flag")
}
