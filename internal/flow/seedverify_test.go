package flow

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

func TestSeedVerifyFlowRunsWordByWordInOneStep(t *testing.T) {
	fl := NewSeedVerifyFlow()
	fc := &Context{
		DeviceID: "dev1",
		Call: scriptedCall(t,
			&wirecodec.Frame{Type: uint16(wirecodec.MessageWordRequest), Payload: encodeWordRequest(0)},
			&wirecodec.Frame{Type: uint16(wirecodec.MessageWordRequest), Payload: encodeWordRequest(1)},
			&wirecodec.Frame{Type: uint16(wirecodec.MessageSuccess), Payload: []byte{}},
		),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	out := fl.Step(fc, opset.OpStartSeedVerify, nil)
	if !out.Terminal || out.Err != nil {
		t.Fatalf("expected a single Terminal Step, got %+v", out)
	}
	res, ok := out.Result.(RecoveryResult)
	if !ok || !res.Complete {
		t.Fatalf("result = %+v", out.Result)
	}
	if len(out.Events) != 2 {
		t.Fatalf("expected one Ready event per word, got %+v", out.Events)
	}
	for i, ev := range out.Events {
		prompt, ok := ev.Payload.(RecoveryWordPrompt)
		if !ok || prompt.Index != i {
			t.Fatalf("events[%d] = %+v", i, ev)
		}
	}
}

func TestSeedVerifyFlowCancelStopsFurtherCalls(t *testing.T) {
	fl := NewSeedVerifyFlow()
	fc := &Context{
		DeviceID:    "dev1",
		Call:        scriptedCall(t),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	out := fl.Step(fc, opset.OpCancelFlow, nil)
	perr, ok := out.Err.(*Error)
	if !out.Terminal || !ok || perr.Kind != ErrCancelled {
		t.Fatalf("expected terminal Cancelled, got %+v", out)
	}

	out = fl.Step(fc, opset.OpStartSeedVerify, nil)
	perr, ok = out.Err.(*Error)
	if !out.Terminal || !ok || perr.Kind != ErrBusyInFlow {
		t.Fatalf("expected BusyInFlow once done, got %+v", out)
	}
}

func TestSeedVerifyFlowPropagatesFailure(t *testing.T) {
	fl := NewSeedVerifyFlow()
	fail := &wirecodec.Failure{Code: 7, Message: "nope"}
	fc := &Context{
		DeviceID: "dev1",
		Call: scriptedCall(t,
			&wirecodec.Frame{Type: uint16(wirecodec.MessageFailure), Payload: encodeFailure(fail)},
		),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	out := fl.Step(fc, opset.OpStartSeedVerify, nil)
	perr, ok := out.Err.(*Error)
	if !out.Terminal || !ok || perr.Kind != ErrFailure || perr.Code != 7 {
		t.Fatalf("expected terminal Failure, got %+v", out)
	}
}

func encodeFailure(f *wirecodec.Failure) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Code)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, f.Message)
	return b
}
