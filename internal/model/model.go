package model

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
)

// Endpoint is one side of a flow: an address and a transport port.
// Port is always 0 for protocols without transport demultiplexing.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// String formats the endpoint as addr:port, bracketing IPv6 addresses.
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// FlowKey is the canonical identity of a bidirectional flow.
// It is comparable and can be used as a map key.
type FlowKey struct {
	Client   Endpoint
	Server   Endpoint
	Protocol layers.IPProtocol
}

// Matches reports whether a packet travelling from src to dst belongs to this
// flow, in either direction.
func (k FlowKey) Matches(proto layers.IPProtocol, src, dst Endpoint) bool {
	if proto != k.Protocol {
		return false
	}
	return (src == k.Client && dst == k.Server) || (src == k.Server && dst == k.Client)
}

// String formats the key as "client -> server/proto".
func (k FlowKey) String() string {
	return fmt.Sprintf("%s -> %s/%s", k.Client, k.Server, k.Protocol)
}

// TCPFlags is the subset of TCP control bits the tracker reasons about.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
)

// Has reports whether all bits in f are set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

func (t TCPFlags) String() string {
	s := ""
	for _, f := range []struct {
		bit  TCPFlags
		name string
	}{{FlagSYN, "S"}, {FlagACK, "A"}, {FlagFIN, "F"}, {FlagRST, "R"}} {
		if t.Has(f.bit) {
			s += f.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// PacketEvent holds the metadata extracted from a single captured packet.
type PacketEvent struct {
	Timestamp time.Time
	Protocol  layers.IPProtocol
	Src       Endpoint
	Dst       Endpoint

	// TotalLen is the length of the IP datagram including headers.
	TotalLen int
	// HeaderLen is the combined network and transport header length.
	HeaderLen int

	// TCP only.
	Flags TCPFlags
	Seq   uint32
	Ack   uint32
}

// PayloadLen returns the transport payload length carried by the packet.
func (p *PacketEvent) PayloadLen() int {
	if n := p.TotalLen - p.HeaderLen; n > 0 {
		return n
	}
	return 0
}

// IsTCP reports whether the packet is a TCP segment.
func (p *PacketEvent) IsTCP() bool {
	return p.Protocol == layers.IPProtocolTCP
}

// TCPState is the lifecycle state of a tracked TCP connection.
type TCPState uint8

const (
	// StateNone is used by flows that have no state machine (UDP and others).
	StateNone TCPState = iota
	StateSynSent
	StateSynAckSent
	StateEstablished
	StateFinWait
	StateClosed
	StateReset
)

// String returns the state name.
func (s TCPState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynAckSent:
		return "SYN_ACK_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	case StateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Short returns a label at most seven characters wide for tabular output.
func (s TCPState) Short() string {
	switch s {
	case StateNone:
		return "ACTIVE"
	case StateSynSent:
		return "SYN_SNT"
	case StateSynAckSent:
		return "SYNAKAK"
	case StateEstablished:
		return "ESTABLI"
	case StateFinWait:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateReset:
		return "RESET"
	default:
		return "?"
	}
}

// Finished reports whether the state is terminal.
func (s TCPState) Finished() bool {
	return s == StateClosed || s == StateReset
}

// Names holds the advisory hostname and service strings of a connection.
// Empty strings mean "not resolved".
type Names struct {
	ClientHost    string `json:"client_host,omitempty"`
	ClientService string `json:"client_service,omitempty"`
	ServerHost    string `json:"server_host,omitempty"`
	ServerService string `json:"server_service,omitempty"`
}

// Connection is a point-in-time, read-only view of a tracked connection.
type Connection struct {
	ID        string
	Seq       uint64
	Key       FlowKey
	State     TCPState
	Packets   uint64
	Bytes     uint64
	Rate      float64 // bytes per second over the rate window
	FirstSeen time.Time
	LastSeen  time.Time
	Idle      time.Duration
	Active    bool
	Names     Names
}

// Duration returns the time between the first and the last packet.
func (c *Connection) Duration() time.Duration {
	return c.LastSeen.Sub(c.FirstSeen)
}
