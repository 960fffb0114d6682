// Package flow implements the protocol state machines that drive
// multi-message exchanges with a device over a Transport already
// opened by a Worker. Flows never touch a Transport directly; they
// call back into the Worker through a Context, so retry/backoff/
// rebind policy (owned by the Worker) stays out of this package
// entirely and a Flow only ever sees a clean Call or a terminal error.
package flow

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// Context is the Worker-provided handle a Flow uses to talk to the
// device and to the rest of the system, without ever seeing a raw
// Transport or the retry machinery wrapping it.
type Context struct {
	DeviceID string

	// Call performs one Send+Recv round trip against the device,
	// already wrapped in the Worker's retry/backoff/rebind policy.
	// A non-nil error here is final: retries are exhausted or the
	// error is not retryable.
	Call func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error)

	// Features returns the Worker's current cached DeviceFeatures, or
	// nil if none has been captured yet.
	Features func() *wirecodec.Features

	// SetFeatures installs a freshly decoded Features snapshot.
	SetFeatures func(*wirecodec.Features)

	// Progress publishes an event immediately, without waiting for Step
	// to return, for flows that run long enough that live status beats
	// a single batched report at the end. May be nil.
	Progress func(eventbus.Event)

	// Now is injectable for deterministic tests.
	Now func() time.Time
}

func (fc *Context) progress(ev eventbus.Event) {
	if fc.Progress != nil {
		fc.Progress(ev)
	}
}

func (fc *Context) now() time.Time {
	if fc.Now != nil {
		return fc.Now()
	}
	return time.Now()
}

// Outcome is what a Step leaves behind: either the flow suspends
// awaiting one of AcceptedOps, or it has reached a terminal state.
type Outcome struct {
	Awaiting    bool
	AcceptedOps []opset.Op

	Events []eventbus.Event

	Terminal bool
	Result   interface{}
	Err      error
}

// Flow is a named multi-message protocol state machine. Step advances
// it by one externally-visible increment: it may perform any number
// of Send/Recv round trips internally (e.g. the auto-acknowledged
// Button-Confirm sub-exchange) before returning, but it returns as
// soon as it needs input from outside the device (Awaiting) or has
// nothing more to do (Terminal).
//
// The first call for a flow passes the op and args that started it;
// every later call passes a continuation op (SubmitPin, CancelFlow,
// and so on) and its args, matched against the AcceptedOps of the
// previous Outcome.
type Flow interface {
	Name() string
	Step(fc *Context, op opset.Op, args interface{}) Outcome
}

func terminalErr(err error) Outcome {
	return Outcome{Terminal: true, Err: err}
}

func terminalResult(result interface{}) Outcome {
	return Outcome{Terminal: true, Result: result}
}
