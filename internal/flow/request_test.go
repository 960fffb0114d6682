package flow

import (
	"testing"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// scriptedCall builds a Context.Call that returns the given frames in
// order, one per invocation, ignoring what was sent.
func scriptedCall(t *testing.T, frames ...*wirecodec.Frame) func(uint16, []byte, time.Duration) (*wirecodec.Frame, error) {
	t.Helper()
	i := 0
	return func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
		if i >= len(frames) {
			t.Fatalf("unexpected extra Call, sent type=%d", msgType)
		}
		f := frames[i]
		i++
		return f, nil
	}
}

func featuresFrame(t *testing.T, bootloaderMode bool) *wirecodec.Frame {
	t.Helper()
	f := &wirecodec.Features{MajorVersion: 7, MinorVersion: 7, PatchVersion: 0, Initialized: true, BootloaderMode: bootloaderMode}
	return &wirecodec.Frame{Type: uint16(wirecodec.MessageFeatures), Payload: f.Marshal()}
}

func TestGetFeaturesFlowTerminatesWithFeatures(t *testing.T) {
	fl := forTest(t, opset.OpGetFeatures, nil)
	var stored *wirecodec.Features
	fc := &Context{
		DeviceID: "dev1",
		Call:     scriptedCall(t, featuresFrame(t, false)),
		Features: func() *wirecodec.Features { return stored },
		SetFeatures: func(f *wirecodec.Features) { stored = f },
	}

	out := fl.Step(fc, opset.OpGetFeatures, nil)
	if !out.Terminal || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	feat, ok := out.Result.(*wirecodec.Features)
	if !ok || feat.MajorVersion != 7 {
		t.Fatalf("result = %+v", out.Result)
	}
	if stored == nil {
		t.Fatal("expected fc.SetFeatures to be called")
	}
}

func TestGetAddressFlowSuspendsForPinThenTerminates(t *testing.T) {
	pinReq := &wirecodec.PinMatrixRequest{Type: wirecodec.PinCurrent}
	addr := &wirecodec.Address{Address: "1AbcDEF"}

	fl := forTest(t, opset.OpGetAddress, GetAddressArgs{Path: []uint32{44}, Coin: "Bitcoin"})
	fc := &Context{
		DeviceID: "dev1",
		Call: scriptedCall(t,
			&wirecodec.Frame{Type: uint16(wirecodec.MessagePinMatrixRequest), Payload: pinReq.Marshal()},
			&wirecodec.Frame{Type: uint16(wirecodec.MessageAddress), Payload: addr.Marshal()},
		),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	out := fl.Step(fc, opset.OpGetAddress, GetAddressArgs{})
	if !out.Awaiting {
		t.Fatalf("expected Awaiting after PinMatrixRequest, got %+v", out)
	}
	if len(out.Events) != 1 || out.Events[0].Payload != "Current" {
		t.Fatalf("events = %+v", out.Events)
	}

	out = fl.Step(fc, opset.OpSubmitPin, SubmitPinArgs{Positions: "7153"})
	if !out.Terminal || out.Err != nil {
		t.Fatalf("expected terminal success, got %+v", out)
	}
	got, ok := out.Result.(*wirecodec.Address)
	if !ok || got.Address != "1AbcDEF" {
		t.Fatalf("result = %+v", out.Result)
	}
}

func TestUnrelatedOpDuringFlowReturnsBusyInFlow(t *testing.T) {
	pinReq := &wirecodec.PinMatrixRequest{Type: wirecodec.PinCurrent}
	fl := forTest(t, opset.OpGetAddress, GetAddressArgs{})
	fc := &Context{
		DeviceID:    "dev1",
		Call:        scriptedCall(t, &wirecodec.Frame{Type: uint16(wirecodec.MessagePinMatrixRequest), Payload: pinReq.Marshal()}),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	out := fl.Step(fc, opset.OpGetAddress, GetAddressArgs{})
	if !out.Awaiting {
		t.Fatalf("setup: expected Awaiting, got %+v", out)
	}

	out = fl.Step(fc, opset.OpWipeDevice, nil)
	perr, ok := out.Err.(*Error)
	if !out.Terminal || !ok || perr.Kind != ErrBusyInFlow {
		t.Fatalf("expected terminal BusyInFlow, got %+v", out)
	}
}

func TestCancelFlowDuringPinLeavesFlowIdle(t *testing.T) {
	pinReq := &wirecodec.PinMatrixRequest{Type: wirecodec.PinCurrent}
	cancelAck := &wirecodec.Success{}
	fl := forTest(t, opset.OpGetAddress, GetAddressArgs{})
	fc := &Context{
		DeviceID: "dev1",
		Call: scriptedCall(t,
			&wirecodec.Frame{Type: uint16(wirecodec.MessagePinMatrixRequest), Payload: pinReq.Marshal()},
			&wirecodec.Frame{Type: uint16(wirecodec.MessageSuccess), Payload: cancelAck.Marshal()},
		),
		Features:    func() *wirecodec.Features { return nil },
		SetFeatures: func(*wirecodec.Features) {},
	}

	fl.Step(fc, opset.OpGetAddress, GetAddressArgs{})
	out := fl.Step(fc, opset.OpCancelFlow, nil)

	perr, ok := out.Err.(*Error)
	if !out.Terminal || !ok || perr.Kind != ErrCancelled {
		t.Fatalf("expected terminal Cancelled, got %+v", out)
	}
}

// forTest is a thin wrapper around For that fails the test on error,
// keeping the per-test setup lines above to one call each.
func forTest(t *testing.T, op opset.Op, args interface{}) Flow {
	t.Helper()
	fl, err := For(op, args)
	if err != nil {
		t.Fatalf("For(%v) error = %v", op, err)
	}
	return fl
}
