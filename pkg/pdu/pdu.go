package pdu

import (
	"fmt"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	HeaderLen = header.TCPMinimumSize
	// MaxDatagram is the largest datagram the substrate carries in one piece.
	MaxDatagram = 1500
	MaxPayload  = MaxDatagram - HeaderLen
)

var (
	ErrShortPacket     = errors.New("packet shorter than header")
	ErrBadDataOffset   = errors.New("invalid data offset")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrPayloadTooLarge = errors.New("payload exceeds one datagram")
	ErrBadTolerance    = errors.New("syn tolerance out of range")
)

// Kind tells which step of the protocol a PDU belongs to. The SYN step is the
// only one that carries a loss tolerance.
type Kind int

const (
	Data Kind = iota
	Syn
	SynAck
	Ack
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "DATA"
	case Syn:
		return "SYN"
	case SynAck:
		return "SYN-ACK"
	case Ack:
		return "ACK"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type PDU struct {
	Kind    Kind
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	// Tolerance is the sender's acceptable loss percentage, only set on Syn.
	Tolerance uint8
	Fin       bool
	Payload   []byte
}

func NewSyn(src, dst uint16, seq uint32, tolerance uint8) PDU {
	return PDU{Kind: Syn, SrcPort: src, DstPort: dst, Seq: seq, Tolerance: tolerance}
}

func NewSynAck(src, dst uint16, seq uint32) PDU {
	return PDU{Kind: SynAck, SrcPort: src, DstPort: dst, Seq: seq}
}

func NewAck(src, dst uint16, seq uint32) PDU {
	return PDU{Kind: Ack, SrcPort: src, DstPort: dst, Seq: seq}
}

func NewData(src, dst uint16, seq uint32, payload []byte) PDU {
	return PDU{Kind: Data, SrcPort: src, DstPort: dst, Seq: seq, Payload: payload}
}

func (p PDU) flags() uint8 {
	var f uint8
	switch p.Kind {
	case Syn:
		f = header.TCPFlagSyn
	case SynAck:
		f = header.TCPFlagSyn | header.TCPFlagAck
	case Ack:
		f = header.TCPFlagAck
	}
	if p.Fin {
		f |= header.TCPFlagFin
	}
	return f
}

func (p PDU) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d len=%d", p.Kind, p.SrcPort, p.DstPort, p.Seq, len(p.Payload))
}

// Marshal encodes the PDU as a TCP header followed by the payload. The
// tolerance of a Syn travels in the acknowledgment number slot.
func Marshal(p PDU) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(p.Payload))
	}
	fields := header.TCPFields{
		SrcPort:    p.SrcPort,
		DstPort:    p.DstPort,
		SeqNum:     p.Seq,
		DataOffset: HeaderLen,
		Flags:      p.flags(),
		WindowSize: 65535,
	}
	if p.Kind == Syn {
		fields.AckNum = uint32(p.Tolerance)
	}
	buf := make([]byte, HeaderLen+len(p.Payload))
	tcp := header.TCP(buf)
	tcp.Encode(&fields)
	copy(buf[HeaderLen:], p.Payload)

	xsum := header.Checksum(p.Payload, 0)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return buf, nil
}

// Unmarshal decodes a datagram produced by Marshal. The returned payload
// aliases buf.
func Unmarshal(buf []byte) (PDU, error) {
	if len(buf) < HeaderLen {
		return PDU{}, errors.Wrapf(ErrShortPacket, "%d bytes", len(buf))
	}
	tcp := header.TCP(buf)
	off := int(tcp.DataOffset())
	if off < HeaderLen || off > len(buf) {
		return PDU{}, errors.Wrapf(ErrBadDataOffset, "offset %d, length %d", off, len(buf))
	}
	payload := buf[off:]
	if tcp.CalculateChecksum(header.Checksum(payload, 0)) != 0xffff {
		return PDU{}, ErrChecksum
	}

	flags := tcp.Flags()
	p := PDU{
		SrcPort: tcp.SourcePort(),
		DstPort: tcp.DestinationPort(),
		Seq:     tcp.SequenceNumber(),
		Fin:     flags&header.TCPFlagFin != 0,
		Payload: payload,
	}
	syn := flags&header.TCPFlagSyn != 0
	ack := flags&header.TCPFlagAck != 0
	switch {
	case syn && ack:
		p.Kind = SynAck
	case syn:
		p.Kind = Syn
		tolerance := tcp.AckNumber()
		if tolerance > 100 {
			return PDU{}, errors.Wrapf(ErrBadTolerance, "%d", tolerance)
		}
		p.Tolerance = uint8(tolerance)
	case ack:
		p.Kind = Ack
	default:
		p.Kind = Data
	}
	return p, nil
}
