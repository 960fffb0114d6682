// Package transport implements a polymorphic, exclusive-access
// synchronous request/response channel to one physical device. Two
// backends share the same capability set, HID report transport and
// raw USB interrupt transport, selected once at Open time from the
// DeviceDescriptor's TransportKind.
//
// Transport methods are NOT safe for concurrent use; serialization is
// the Worker's job.
package transport

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// Kind distinguishes the two physical transport variants.
type Kind int

const (
	KindHID Kind = iota
	KindUSBInterrupt
)

func (k Kind) String() string {
	if k == KindHID {
		return "HID"
	}
	return "USB_INTERRUPT"
}

// Descriptor is the immutable record a Worker uses to (re)open a
// Transport.
type Descriptor struct {
	DeviceID     string
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	Kind         Kind

	// Path is the backend-specific locator (HID path or libusb bus/address
	// encoding). HIDOpener matches it to Open this exact physical
	// connection again; InterruptOpener does not read it and opens by
	// vendor/product ID.
	Path string
}

// ErrorKind enumerates the TransportError taxonomy.
type ErrorKind int

const (
	ErrBusy ErrorKind = iota
	ErrNotFound
	ErrPermissionDenied
	ErrDisconnected
	ErrWriteFailed
	ErrReadFailed
	ErrTimeout
	ErrHardware
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBusy:
		return "busy"
	case ErrNotFound:
		return "not_found"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrDisconnected:
		return "disconnected"
	case ErrWriteFailed:
		return "write_failed"
	case ErrReadFailed:
		return "read_failed"
	case ErrTimeout:
		return "timeout"
	case ErrHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// Error carries rebind_required: Disconnected, WriteFailed, ReadFailed
// and PermissionDenied always require rebind; Timeout and Busy default
// to not requiring one, but a caller (the Worker) may escalate Timeout
// to rebind-required after repeated occurrences on a known-active
// device.
type Error struct {
	Kind           ErrorKind
	Err            error
	RebindRequired bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "transport: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "transport: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, rebind bool, err error) *Error {
	return &Error{Kind: kind, Err: err, RebindRequired: rebind}
}

func defaultRebind(kind ErrorKind) bool {
	switch kind {
	case ErrDisconnected, ErrWriteFailed, ErrReadFailed, ErrPermissionDenied:
		return true
	default:
		return false
	}
}

// WrapError builds a *Error with the default rebind_required policy for
// its kind; backends use this unless they have a stronger opinion.
func WrapError(kind ErrorKind, err error) *Error {
	return newError(kind, defaultRebind(kind), err)
}

// Transport is the capability set a device connection exposes once
// open. Implementations are HID (internal/transport/hid.go) and raw
// USB interrupt (internal/transport/interrupt.go); tests use the
// in-memory Mock.
type Transport interface {
	// Send encodes message via the wire codec and writes every report.
	Send(msgType uint16, payload []byte) error

	// Recv reads and reassembles reports until one complete Frame is
	// available or deadline passes.
	Recv(deadline time.Time) (*wirecodec.Frame, error)

	// Close idempotently releases the OS-level exclusive handle.
	Close() error
}

// Opener opens a Transport of the Kind described, acquiring an
// OS-exclusive handle. Each backend implements Opener for its Kind; the
// Worker never needs to know which one it is talking to once Open
// succeeds.
type Opener interface {
	Open(desc Descriptor) (Transport, error)
}

// Registry dispatches Open calls to the backend matching a Descriptor's
// Kind, so a Worker holds one Opener regardless of how many physical
// transport backends are compiled in.
type Registry struct {
	openers map[Kind]Opener
}

// NewRegistry builds a Registry from the given per-kind backends. A nil
// entry for a Kind means that Kind is unsupported in this build (e.g. a
// platform without cgo raw-USB support).
func NewRegistry(backends map[Kind]Opener) *Registry {
	reg := &Registry{openers: make(map[Kind]Opener, len(backends))}
	for k, v := range backends {
		if v != nil {
			reg.openers[k] = v
		}
	}
	return reg
}

func (r *Registry) Open(desc Descriptor) (Transport, error) {
	o, ok := r.openers[desc.Kind]
	if !ok {
		return nil, WrapError(ErrNotFound, nil)
	}
	return o.Open(desc)
}
