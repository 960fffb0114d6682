package flow

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

const buttonConfirmTimeout = 120 * time.Second

type rfState int

const (
	rfFresh rfState = iota
	rfAwaitingPin
	rfAwaitingPassphrase
	rfDone
)

// RequestFlow generalizes every op that is, at the wire level, one
// outbound message followed by a terminal reply that may be preceded
// by any number of PIN-Matrix, Passphrase, or Button-Confirm
// sub-exchanges: simple one-shot request/response ops are implicit
// single-state flows, plus the shared PIN-Matrix / Passphrase /
// Button-Confirm machinery every authenticated op can hit. Firmware
// upload and the two interactive word-by-word flows need their own
// types because they drive many terminal-less chunks; everything else
// in the command surface fits here.
type RequestFlow struct {
	op        opset.Op
	name      string
	opTimeout time.Duration
	build     func() (msgType uint16, payload []byte)
	decode    func(fc *Context, frame *wirecodec.Frame) (interface{}, error)

	state rfState
}

func (r *RequestFlow) Name() string { return r.name }

func (r *RequestFlow) Step(fc *Context, op opset.Op, args interface{}) Outcome {
	var frame *wirecodec.Frame
	var err error

	switch {
	case r.state == rfFresh:
		msgType, payload := r.build()
		frame, err = fc.Call(msgType, payload, r.opTimeout)

	case r.state == rfAwaitingPin && op == opset.OpSubmitPin:
		a, ok := args.(SubmitPinArgs)
		if !ok {
			return terminalErr(&Error{Kind: ErrUnexpectedMessage, Message: "submit_pin requires positions"})
		}
		ack := &wirecodec.PinMatrixAck{Positions: a.Positions}
		frame, err = fc.Call(uint16(wirecodec.MessagePinMatrixAck), ack.Marshal(), r.opTimeout)

	case r.state == rfAwaitingPassphrase && op == opset.OpSubmitPassphrase:
		a, ok := args.(SubmitPassphraseArgs)
		if !ok {
			return terminalErr(&Error{Kind: ErrUnexpectedMessage, Message: "submit_passphrase requires text"})
		}
		ack := &wirecodec.PassphraseAck{Passphrase: a.Text}
		frame, err = fc.Call(uint16(wirecodec.MessagePassphraseAck), ack.Marshal(), r.opTimeout)

	case op == opset.OpCancelFlow && (r.state == rfAwaitingPin || r.state == rfAwaitingPassphrase):
		r.state = rfDone
		c := &wirecodec.Cancel{}
		if _, cerr := fc.Call(uint16(wirecodec.MessageCancel), c.Marshal(), r.opTimeout); cerr != nil {
			return terminalErr(cerr)
		}
		return terminalErr(&Error{Kind: ErrCancelled})

	default:
		return terminalErr(&Error{Kind: ErrBusyInFlow})
	}

	if err != nil {
		r.state = rfDone
		return terminalErr(err)
	}
	return r.handleReply(fc, frame)
}

func (r *RequestFlow) handleReply(fc *Context, frame *wirecodec.Frame) Outcome {
	var events []eventbus.Event

	for {
		msg, derr := wirecodec.DecodeMessage(frame.Type, frame.Payload)
		if derr != nil {
			r.state = rfDone
			return Outcome{Terminal: true, Err: derr, Events: events}
		}

		switch m := msg.(type) {
		case *wirecodec.PinMatrixRequest:
			r.state = rfAwaitingPin
			events = append(events, eventbus.Event{
				Kind: eventbus.PinRequest, DeviceID: fc.DeviceID, Payload: pinTypeName(m.Type),
			})
			return Outcome{
				Awaiting:    true,
				AcceptedOps: []opset.Op{opset.OpSubmitPin, opset.OpCancelFlow},
				Events:      events,
			}

		case *wirecodec.PassphraseRequest:
			r.state = rfAwaitingPassphrase
			events = append(events, eventbus.Event{Kind: eventbus.PassphraseRequest, DeviceID: fc.DeviceID})
			return Outcome{
				Awaiting:    true,
				AcceptedOps: []opset.Op{opset.OpSubmitPassphrase, opset.OpCancelFlow},
				Events:      events,
			}

		case *wirecodec.ButtonRequest:
			events = append(events, eventbus.Event{Kind: eventbus.ButtonRequest, DeviceID: fc.DeviceID, Payload: m.Code})
			ack := &wirecodec.ButtonAck{}
			next, err := fc.Call(uint16(wirecodec.MessageButtonAck), ack.Marshal(), buttonConfirmTimeout)
			if err != nil {
				r.state = rfDone
				if terr, ok := err.(*transport.Error); ok && terr.Kind == transport.ErrTimeout {
					c := &wirecodec.Cancel{}
					fc.Call(uint16(wirecodec.MessageCancel), c.Marshal(), r.opTimeout)
				}
				return Outcome{Terminal: true, Err: err, Events: events}
			}
			frame = next
			continue

		case *wirecodec.Failure:
			r.state = rfDone
			return Outcome{
				Terminal: true,
				Err:      &Error{Kind: ErrFailure, Code: m.Code, Message: m.Message},
				Events:   events,
			}

		default:
			r.state = rfDone
			if r.decode == nil {
				return Outcome{Terminal: true, Events: events}
			}
			result, derr := r.decode(fc, frame)
			if derr != nil {
				return Outcome{Terminal: true, Err: derr, Events: events}
			}
			return Outcome{Terminal: true, Result: result, Events: events}
		}
	}
}

func pinTypeName(t wirecodec.PinMatrixRequestType) string {
	switch t {
	case wirecodec.PinCurrent:
		return "Current"
	case wirecodec.PinNewFirst:
		return "NewFirst"
	case wirecodec.PinNewSecond:
		return "NewSecond"
	default:
		return "Unknown"
	}
}
