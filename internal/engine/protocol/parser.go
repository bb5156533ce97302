package protocol

import (
	"Go2ConnTrack/internal/model"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const ipv6HeaderLen = 40

var (
	// ErrNotIP is returned for frames that carry neither IPv4 nor IPv6.
	ErrNotIP = errors.New("not an IP packet")
	// ErrBadAddress is returned when an IP layer carries an unusable address.
	ErrBadAddress = errors.New("invalid IP address")
)

// ParsePacket extracts the fields the connection tracker needs from a decoded
// packet: addresses, ports, lengths and, for TCP, flags and sequence numbers.
func ParsePacket(packet gopacket.Packet) (*model.PacketEvent, error) {
	info := &model.PacketEvent{
		Timestamp: time.Now(), // Overwritten by capture metadata when present
	}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		info.Timestamp = meta.Timestamp
	}

	var srcIP, dstIP net.IP
	var netHeaderLen int

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
		info.Protocol = ip.Protocol
		info.TotalLen = int(ip.Length)
		netHeaderLen = int(ip.IHL) * 4
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
		extLen, next, ok := extensionHeaders(packet)
		info.Protocol = ip.NextHeader
		if ok {
			info.Protocol = next
		}
		info.TotalLen = int(ip.Length) + ipv6HeaderLen
		netHeaderLen = ipv6HeaderLen + extLen
	} else {
		return nil, ErrNotIP
	}

	var ok bool
	if info.Src.Addr, ok = toAddr(srcIP); !ok {
		return nil, fmt.Errorf("%w: source %v", ErrBadAddress, srcIP)
	}
	if info.Dst.Addr, ok = toAddr(dstIP); !ok {
		return nil, fmt.Errorf("%w: destination %v", ErrBadAddress, dstIP)
	}
	info.HeaderLen = netHeaderLen

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		info.Protocol = layers.IPProtocolTCP
		info.Src.Port = uint16(tcp.SrcPort)
		info.Dst.Port = uint16(tcp.DstPort)
		info.HeaderLen += int(tcp.DataOffset) * 4
		info.Seq = tcp.Seq
		info.Ack = tcp.Ack
		info.Flags = tcpFlags(tcp)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		info.Protocol = layers.IPProtocolUDP
		info.Src.Port = uint16(udp.SrcPort)
		info.Dst.Port = uint16(udp.DstPort)
		info.HeaderLen += 8
	}

	return info, nil
}

func tcpFlags(tcp *layers.TCP) model.TCPFlags {
	var f model.TCPFlags
	if tcp.SYN {
		f |= model.FlagSYN
	}
	if tcp.ACK {
		f |= model.FlagACK
	}
	if tcp.FIN {
		f |= model.FlagFIN
	}
	if tcp.RST {
		f |= model.FlagRST
	}
	return f
}

// extensionHeaders sums the IPv6 extension headers that sit between the
// fixed header and the transport layer and returns the next header named by
// the last of them. ok is false when the packet has no extension headers.
func extensionHeaders(packet gopacket.Packet) (n int, next layers.IPProtocol, ok bool) {
	for _, l := range packet.Layers() {
		switch ext := l.(type) {
		case *layers.IPv6HopByHop:
			next = ext.NextHeader
		case *layers.IPv6Routing:
			next = ext.NextHeader
		case *layers.IPv6Fragment:
			next = ext.NextHeader
		case *layers.IPv6Destination:
			next = ext.NextHeader
		default:
			continue
		}
		n += len(l.LayerContents())
		ok = true
	}
	return n, next, ok
}

func toAddr(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
