// Package wirecodec implements the bit-exact framing and payload
// encoding for the vendor HID message stream.
//
// Framing is deliberately kept separate from payload schema (messages.go):
// Encode/Decode here only ever see a message type code and an opaque
// payload slice. The report size is fixed regardless of transport; HID
// transports are responsible for prepending the OS report-ID byte, not
// this package (see internal/transport).
package wirecodec

import (
	"encoding/binary"
)

// ReportSize is the fixed size of one wire report, excluding any
// transport-specific framing (e.g. the HID report-ID byte).
const ReportSize = 64

const (
	magicByte0       byte = 0x23
	magicByte1       byte = 0x23
	continuationMark byte = 0x23

	// firstHeaderSize = 2-byte magic + 2-byte type + 4-byte length.
	firstHeaderSize = 8
	firstPayloadCap = ReportSize - firstHeaderSize // 56

	contHeaderSize = 1
	contPayloadCap = ReportSize - contHeaderSize // 63
)

// ErrorKind enumerates the CodecError taxonomy.
type ErrorKind int

const (
	BadMagic ErrorKind = iota
	TruncatedPayload
	UnknownField
	LengthMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case BadMagic:
		return "bad_magic"
	case TruncatedPayload:
		return "truncated_payload"
	case UnknownField:
		return "unknown_field"
	case LengthMismatch:
		return "length_mismatch"
	default:
		return "unknown"
	}
}

// CodecError is returned by Decode and by the Reassembler.
type CodecError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CodecError) Error() string { return "wirecodec: " + e.Msg }

func errf(kind ErrorKind, msg string) error {
	return &CodecError{Kind: kind, Msg: msg}
}

// Frame is one fully reassembled wire message: a type code plus the raw
// TLV payload bytes. Unknown type codes are still valid Frames; it is
// messages.go's job to decide whether a given Type is recognized.
type Frame struct {
	Type    uint16
	Payload []byte
}

// Encode serializes a message into ReportSize-byte reports. It is total:
// for any msgType/payload combination it produces at least one report.
func Encode(msgType uint16, payload []byte) [][]byte {
	reports := make([][]byte, 0, 1+len(payload)/contPayloadCap)

	first := make([]byte, ReportSize)
	first[0] = magicByte0
	first[1] = magicByte1
	binary.BigEndian.PutUint16(first[2:4], msgType)
	binary.BigEndian.PutUint32(first[4:8], uint32(len(payload)))
	n := copy(first[firstHeaderSize:], payload)
	reports = append(reports, first)

	rest := payload[n:]
	for len(rest) > 0 {
		cont := make([]byte, ReportSize)
		cont[0] = continuationMark
		n := copy(cont[contHeaderSize:], rest)
		rest = rest[n:]
		reports = append(reports, cont)
	}
	return reports
}

// Reassembler reassembles a stream of reports into a Frame without
// buffering beyond the declared payload length. Feed is called once per
// report read off the transport; it returns a non-nil Frame exactly when
// the message is complete.
type Reassembler struct {
	started bool
	msgType uint16
	want    uint32
	buf     []byte
}

// NewReassembler returns a Reassembler ready to read the first report
// of a new message.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed consumes one report. Reports shorter than ReportSize are
// zero-padded: writers never emit a short report, so any short report
// seen here is an artifact of a truncated transport read, which is
// treated leniently by padding rather than failing the whole message.
func (r *Reassembler) Feed(report []byte) (*Frame, error) {
	if len(report) > ReportSize {
		report = report[:ReportSize]
	} else if len(report) < ReportSize {
		padded := make([]byte, ReportSize)
		copy(padded, report)
		report = padded
	}

	if !r.started {
		if report[0] != magicByte0 || report[1] != magicByte1 {
			return nil, errf(BadMagic, "first report missing 0x2323 magic")
		}
		r.msgType = binary.BigEndian.Uint16(report[2:4])
		r.want = binary.BigEndian.Uint32(report[4:8])
		r.buf = make([]byte, 0, r.want)
		r.buf = append(r.buf, report[firstHeaderSize:]...)
		r.started = true
	} else {
		if report[0] != continuationMark {
			return nil, errf(BadMagic, "continuation report missing marker byte")
		}
		r.buf = append(r.buf, report[contHeaderSize:]...)
	}

	if uint32(len(r.buf)) >= r.want {
		payload := r.buf[:r.want]
		frame := &Frame{Type: r.msgType, Payload: payload}
		r.reset()
		return frame, nil
	}
	return nil, nil
}

// Reset discards any partially reassembled message, used when a Worker
// rebinds mid-read.
func (r *Reassembler) Reset() {
	r.reset()
}

func (r *Reassembler) reset() {
	*r = Reassembler{}
}

// Decode reassembles a complete, already-collected set of reports in one
// call. It is the inverse of Encode and is mainly used by round-trip
// tests and by transports that buffer whole reads themselves.
func Decode(reports [][]byte) (*Frame, error) {
	ra := NewReassembler()
	for _, rep := range reports {
		f, err := ra.Feed(rep)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, errf(TruncatedPayload, "report stream ended before declared length was reached")
}
