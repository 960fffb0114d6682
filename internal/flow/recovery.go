package flow

import (
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

const cipherWordTimeout = 30 * time.Second

type recoveryState int

const (
	recFresh recoveryState = iota
	recAwaitingWord
	recDone
)

// RecoveryFlow is the Recovery (Cipher) Flow: a long, interactive
// word-by-word exchange. It holds no process-wide lock; "recovery in
// progress" is observable only as this Worker's own SessionState and
// events, which is exactly what an Awaiting Outcome already exposes
// to the rest of the system.
type RecoveryFlow struct {
	wordCount int
	state     recoveryState
}

func NewRecoveryFlow(wordCount int) *RecoveryFlow {
	return &RecoveryFlow{wordCount: wordCount}
}

func (r *RecoveryFlow) Name() string { return "start_recovery" }

func (r *RecoveryFlow) Step(fc *Context, op opset.Op, args interface{}) Outcome {
	var frame *wirecodec.Frame
	var err error

	switch {
	case r.state == recFresh:
		msg := &wirecodec.RecoveryDevice{WordCount: uint64(r.wordCount)}
		frame, err = fc.Call(uint16(wirecodec.MessageRecoveryDevice), msg.Marshal(), cipherWordTimeout)

	case r.state == recAwaitingWord && op == opset.OpSubmitWord:
		a, ok := args.(SubmitCipherWordArgs)
		if !ok {
			return terminalErr(&Error{Kind: ErrUnexpectedMessage, Message: "submit_cipher_word requires letters"})
		}
		ack := &wirecodec.WordAck{Letters: a.Letters}
		frame, err = fc.Call(uint16(wirecodec.MessageWordAck), ack.Marshal(), cipherWordTimeout)

	case op == opset.OpCancelFlow && r.state == recAwaitingWord:
		r.state = recDone
		c := &wirecodec.Cancel{}
		if _, cerr := fc.Call(uint16(wirecodec.MessageCancel), c.Marshal(), cipherWordTimeout); cerr != nil {
			return terminalErr(cerr)
		}
		return terminalErr(&Error{Kind: ErrCancelled})

	default:
		return terminalErr(&Error{Kind: ErrBusyInFlow})
	}

	if err != nil {
		r.state = recDone
		return terminalErr(err)
	}

	msg, derr := wirecodec.DecodeMessage(frame.Type, frame.Payload)
	if derr != nil {
		r.state = recDone
		return terminalErr(derr)
	}

	switch m := msg.(type) {
	case *wirecodec.WordRequest:
		r.state = recAwaitingWord
		return Outcome{
			Awaiting:    true,
			AcceptedOps: []opset.Op{opset.OpSubmitWord, opset.OpCancelFlow},
			Events: []eventbus.Event{{
				Kind: eventbus.Ready, DeviceID: fc.DeviceID,
				Payload: RecoveryWordPrompt{Index: int(m.Index)},
			}},
		}
	case *wirecodec.Failure:
		r.state = recDone
		return terminalErr(&Error{Kind: ErrFailure, Code: m.Code, Message: m.Message})
	default:
		r.state = recDone
		refreshFeatures(fc)
		return terminalResult(RecoveryResult{Complete: true})
	}
}

// RecoveryWordPrompt is the payload of the event emitted per recovery
// step; it reuses the Ready kind since the event enum has no
// dedicated WordRequest variant for the host-driven recovery cipher.
type RecoveryWordPrompt struct {
	Index int
}

type RecoveryResult struct {
	Complete bool
}
