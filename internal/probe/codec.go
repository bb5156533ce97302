package probe

import (
	"Go2ConnTrack/internal/model"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for messages that do not decode to a packet event.
var ErrMalformed = errors.New("probe: malformed packet message")

// Field numbers of the packet event message.
const (
	fieldTimestamp protowire.Number = 1 // unix nanoseconds
	fieldProtocol  protowire.Number = 2
	fieldSrcAddr   protowire.Number = 3 // 4 or 16 bytes
	fieldSrcPort   protowire.Number = 4
	fieldDstAddr   protowire.Number = 5
	fieldDstPort   protowire.Number = 6
	fieldTotalLen  protowire.Number = 7
	fieldHeaderLen protowire.Number = 8
	fieldFlags     protowire.Number = 9
	fieldSeq       protowire.Number = 10
	fieldAck       protowire.Number = 11
)

// Encode serializes a packet event in protobuf wire format.
func Encode(ev *model.PacketEvent) []byte {
	b := make([]byte, 0, 64)
	if !ev.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Timestamp.UnixNano()))
	}
	b = appendVarint(b, fieldProtocol, uint64(ev.Protocol))
	b = protowire.AppendTag(b, fieldSrcAddr, protowire.BytesType)
	b = protowire.AppendBytes(b, ev.Src.Addr.AsSlice())
	b = appendVarint(b, fieldSrcPort, uint64(ev.Src.Port))
	b = protowire.AppendTag(b, fieldDstAddr, protowire.BytesType)
	b = protowire.AppendBytes(b, ev.Dst.Addr.AsSlice())
	b = appendVarint(b, fieldDstPort, uint64(ev.Dst.Port))
	b = appendVarint(b, fieldTotalLen, uint64(ev.TotalLen))
	b = appendVarint(b, fieldHeaderLen, uint64(ev.HeaderLen))
	b = appendVarint(b, fieldFlags, uint64(ev.Flags))
	b = appendVarint(b, fieldSeq, uint64(ev.Seq))
	b = appendVarint(b, fieldAck, uint64(ev.Ack))
	return b
}

// appendVarint writes a varint field, omitting zero values.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Decode parses a message produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (*model.PacketEvent, error) {
	ev := &model.PacketEvent{}
	var haveSrc, haveDst bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(ev, num, v)
		case typ == protowire.BytesType && (num == fieldSrcAddr || num == fieldDstAddr):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return nil, fmt.Errorf("%w: address of %d bytes", ErrMalformed, len(v))
			}
			if num == fieldSrcAddr {
				ev.Src.Addr, haveSrc = addr.Unmap(), true
			} else {
				ev.Dst.Addr, haveDst = addr.Unmap(), true
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !haveSrc || !haveDst {
		return nil, fmt.Errorf("%w: missing address", ErrMalformed)
	}
	return ev, nil
}

func setVarint(ev *model.PacketEvent, num protowire.Number, v uint64) {
	switch num {
	case fieldTimestamp:
		ev.Timestamp = time.Unix(0, int64(v))
	case fieldProtocol:
		ev.Protocol = layers.IPProtocol(v)
	case fieldSrcPort:
		ev.Src.Port = uint16(v)
	case fieldDstPort:
		ev.Dst.Port = uint16(v)
	case fieldTotalLen:
		ev.TotalLen = int(v)
	case fieldHeaderLen:
		ev.HeaderLen = int(v)
	case fieldFlags:
		ev.Flags = model.TCPFlags(v)
	case fieldSeq:
		ev.Seq = uint32(v)
	case fieldAck:
		ev.Ack = uint32(v)
	}
}
