package flow

import (
	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// SeedVerifyFlow mirrors RecoveryFlow but is read-only: the device
// pushes each scrambled word for display and the host just keeps
// acknowledging, so unlike Recovery it never suspends for a
// SubmitCipherWord continuation and runs to completion inside one
// Step call, collecting one event per word.
type SeedVerifyFlow struct {
	done bool
}

func NewSeedVerifyFlow() *SeedVerifyFlow { return &SeedVerifyFlow{} }

func (s *SeedVerifyFlow) Name() string { return "start_seed_verify" }

func (s *SeedVerifyFlow) Step(fc *Context, op opset.Op, args interface{}) Outcome {
	if s.done {
		return terminalErr(&Error{Kind: ErrBusyInFlow})
	}
	if op == opset.OpCancelFlow {
		s.done = true
		return terminalErr(&Error{Kind: ErrCancelled})
	}

	var events []eventbus.Event

	begin := &wirecodec.RecoveryDevice{}
	frame, err := fc.Call(uint16(wirecodec.MessageRecoveryDevice), begin.Marshal(), cipherWordTimeout)
	if err != nil {
		s.done = true
		return Outcome{Terminal: true, Err: err, Events: events}
	}

	for {
		msg, derr := wirecodec.DecodeMessage(frame.Type, frame.Payload)
		if derr != nil {
			s.done = true
			return Outcome{Terminal: true, Err: derr, Events: events}
		}

		switch m := msg.(type) {
		case *wirecodec.WordRequest:
			events = append(events, eventbus.Event{
				Kind: eventbus.Ready, DeviceID: fc.DeviceID,
				Payload: RecoveryWordPrompt{Index: int(m.Index)},
			})
			ack := &wirecodec.WordAck{}
			next, aerr := fc.Call(uint16(wirecodec.MessageWordAck), ack.Marshal(), cipherWordTimeout)
			if aerr != nil {
				s.done = true
				return Outcome{Terminal: true, Err: aerr, Events: events}
			}
			frame = next
			continue

		case *wirecodec.Failure:
			s.done = true
			return Outcome{Terminal: true, Err: &Error{Kind: ErrFailure, Code: m.Code, Message: m.Message}, Events: events}

		default:
			s.done = true
			return Outcome{Terminal: true, Result: RecoveryResult{Complete: true}, Events: events}
		}
	}
}
