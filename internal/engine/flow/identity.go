package flow

import (
	"Go2ConnTrack/internal/model"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// LocalPredicate reports whether an address belongs to the monitored host or
// network. The local side of a flow is always reported as the client.
type LocalPredicate func(netip.Addr) bool

// Identity normalizes packets into canonical flow keys. It is immutable after
// construction and safe for concurrent use.
type Identity struct {
	isLocal    LocalPredicate
	serverSide map[netip.Addr]struct{}
}

// Option configures an Identity.
type Option func(*Identity)

// WithLocal sets the local network predicate.
func WithLocal(pred LocalPredicate) Option {
	return func(id *Identity) {
		if pred != nil {
			id.isLocal = pred
		}
	}
}

// WithServerAddrs marks addresses (gateways, broadcast addresses) that are
// always placed on the server side of a flow.
func WithServerAddrs(addrs ...netip.Addr) Option {
	return func(id *Identity) {
		for _, a := range addrs {
			id.serverSide[a.Unmap()] = struct{}{}
		}
	}
}

// NewIdentity creates an Identity. Without options nothing is local and the
// port heuristic decides direction.
func NewIdentity(opts ...Option) *Identity {
	id := &Identity{
		isLocal:    func(netip.Addr) bool { return false },
		serverSide: make(map[netip.Addr]struct{}),
	}
	for _, opt := range opts {
		opt(id)
	}
	return id
}

// Endpoints returns the packet's source and destination as the tracker sees
// them: ports are dropped for protocols other than TCP.
func Endpoints(ev *model.PacketEvent) (src, dst model.Endpoint) {
	src, dst = ev.Src, ev.Dst
	if ev.Protocol != layers.IPProtocolTCP {
		src.Port, dst.Port = 0, 0
	}
	return src, dst
}

// Normalize decides which endpoint of the packet is the client. swapped is
// true when the packet travels from server to client. The decision depends
// only on addresses and ports, so a packet and its reply always normalize to
// the same pair.
//
// Precedence: server-side addresses, then the local predicate, then the
// lower port is the server, then the lower address is the client.
func (id *Identity) Normalize(ev *model.PacketEvent) (client, server model.Endpoint, swapped bool) {
	src, dst := Endpoints(ev)
	if id.swap(src, dst) {
		return dst, src, true
	}
	return src, dst, false
}

// Key returns the canonical flow key for a packet.
func (id *Identity) Key(ev *model.PacketEvent) model.FlowKey {
	client, server, _ := id.Normalize(ev)
	return model.FlowKey{Client: client, Server: server, Protocol: ev.Protocol}
}

func (id *Identity) swap(src, dst model.Endpoint) bool {
	_, srcServer := id.serverSide[src.Addr]
	_, dstServer := id.serverSide[dst.Addr]
	if srcServer != dstServer {
		return srcServer
	}

	srcLocal, dstLocal := id.isLocal(src.Addr), id.isLocal(dst.Addr)
	if srcLocal != dstLocal {
		return dstLocal
	}

	if src.Port != dst.Port {
		return src.Port < dst.Port
	}
	return dst.Addr.Less(src.Addr)
}
