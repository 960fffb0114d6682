package worker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/flow"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

func featuresReply() transport.MockReply {
	f := &wirecodec.Features{MajorVersion: 7, MinorVersion: 7, PatchVersion: 0, Initialized: true}
	return transport.MockReply{Type: uint16(wirecodec.MessageFeatures), Payload: f.Marshal()}
}

func testDesc(id string) transport.Descriptor {
	return transport.Descriptor{DeviceID: id, VendorID: 0x2B24, ProductID: 0x0002, Kind: transport.KindHID}
}

func submitAndWait(t *testing.T, w *Worker, op opset.Op, args interface{}) Result {
	t.Helper()
	req := &Request{DeviceID: w.DeviceID(), Op: op, Args: args, Reply: make(chan Result, 1)}
	if err := w.Submit(req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case res := <-req.Reply:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
		return Result{}
	}
}

func TestWorkerRetainsSingleTransportAcrossRequests(t *testing.T) {
	opener := transport.NewMockOpener(func() []transport.MockReply {
		replies := make([]transport.MockReply, 10)
		for i := range replies {
			replies[i] = featuresReply()
		}
		return replies
	})

	w := New(testDesc("A"), opener, DefaultConfig(), eventbus.New(8, zerolog.Nop()), nil)
	w.Start()
	defer w.Shutdown()

	for i := 0; i < 10; i++ {
		res := submitAndWait(t, w, opset.OpGetFeatures, nil)
		if res.Err != nil {
			t.Fatalf("request %d: %v", i, res.Err)
		}
	}

	if opener.OpenCount() != 1 {
		t.Fatalf("OpenCount = %d, want 1 (transport retention)", opener.OpenCount())
	}
}

func TestWorkerRebindsOnDisconnectedThenSucceeds(t *testing.T) {
	first := true
	opener := transport.NewMockOpener(func() []transport.MockReply {
		if first {
			first = false
			return []transport.MockReply{{Err: transport.WrapError(transport.ErrDisconnected, nil)}}
		}
		return []transport.MockReply{featuresReply()}
	})

	w := New(testDesc("A"), opener, DefaultConfig(), eventbus.New(8, zerolog.Nop()), nil)
	w.Start()
	defer w.Shutdown()

	res := submitAndWait(t, w, opset.OpGetFeatures, nil)
	if res.Err != nil {
		t.Fatalf("expected success after rebind, got %v", res.Err)
	}
	if opener.OpenCount() != 2 {
		t.Fatalf("OpenCount = %d, want 2 (one rebind)", opener.OpenCount())
	}
}

func TestWorkerFIFOPerDevice(t *testing.T) {
	var order []int
	opener := transport.NewMockOpener(func() []transport.MockReply {
		replies := make([]transport.MockReply, 5)
		for i := range replies {
			replies[i] = featuresReply()
		}
		return replies
	})
	w := New(testDesc("A"), opener, DefaultConfig(), eventbus.New(8, zerolog.Nop()), nil)
	w.Start()
	defer w.Shutdown()

	results := make([]chan Result, 5)
	for i := 0; i < 5; i++ {
		ch := make(chan Result, 1)
		results[i] = ch
		idx := i
		req := &Request{DeviceID: "A", Op: opset.OpGetFeatures, Reply: ch}
		if err := w.Submit(req); err != nil {
			t.Fatalf("submit %d: %v", idx, err)
		}
	}
	for i, ch := range results {
		select {
		case <-ch:
			order = append(order, i)
		case <-time.After(time.Second):
			t.Fatalf("request %d never completed", i)
		}
	}
	for i, v := range order {
		if i != v {
			t.Fatalf("completion order = %v, want strictly increasing", order)
		}
	}
}

// TestWorkerFatalFlagClearsOnRecoveredRebind covers a firmware-style
// flow that makes several Call round trips inside one Step: the first
// disconnect's rebind attempt itself fails to reopen (setting fatal),
// but the flow's own reconnect-grace retry succeeds on the very next
// attempt. The Worker must not tear itself down and publish
// AccessError once the flow has already recovered and returned
// success.
func TestWorkerFatalFlagClearsOnRecoveredRebind(t *testing.T) {
	opener := &transport.MockOpener{
		ErrOnOpenAt: 2,
		OpenErr:     transport.WrapError(transport.ErrDisconnected, nil),
	}
	opener.NewScript = func() []transport.MockReply {
		if opener.OpenCount() == 1 {
			feat := &wirecodec.Features{BootloaderMode: true}
			return []transport.MockReply{
				{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()},
				{Type: uint16(wirecodec.MessageSuccess), Payload: (&wirecodec.Success{}).Marshal()},
				{Err: transport.WrapError(transport.ErrDisconnected, nil)},
			}
		}
		feat := &wirecodec.Features{MajorVersion: 7}
		return []transport.MockReply{
			{Type: uint16(wirecodec.MessageSuccess), Payload: (&wirecodec.Success{}).Marshal()},
			{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()},
			{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()},
		}
	}

	bus := eventbus.New(8, zerolog.Nop())
	sub := bus.Subscribe()
	defer sub.Close()

	w := New(testDesc("A"), opener, DefaultConfig(), bus, nil)
	w.Start()
	defer w.Shutdown()

	req := &Request{
		DeviceID: "A",
		Op:       opset.OpUpdateFirmware,
		Args:     flow.UpdateFirmwareArgs{TargetVersion: "7.8.0", Firmware: make([]byte, 1024)},
		Reply:    make(chan Result, 1),
	}
	if err := w.Submit(req); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-req.Reply:
		if res.Err != nil {
			t.Fatalf("expected the upload to recover and succeed, got %v", res.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for firmware upload to finish")
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev := <-sub.Events():
			if ev.Kind == eventbus.AccessError {
				t.Fatalf("worker published AccessError after a recovered rebind")
			}
		default:
		}
	}

	res := submitAndWait(t, w, opset.OpGetFeatures, nil)
	if res.Err != nil {
		t.Fatalf("worker should still be usable after the recovered rebind, got %v", res.Err)
	}
}

func TestWorkerCancelledBeforeDispatchNeverReachesTransport(t *testing.T) {
	opener := transport.NewMockOpener(func() []transport.MockReply { return nil })
	w := New(testDesc("A"), opener, DefaultConfig(), eventbus.New(8, zerolog.Nop()), nil)
	w.Start()
	defer w.Shutdown()

	cancel := make(chan struct{})
	close(cancel)
	req := &Request{DeviceID: "A", Op: opset.OpGetFeatures, Cancel: cancel, Reply: make(chan Result, 1)}
	if err := w.Submit(req); err != nil {
		t.Fatal(err)
	}

	res := <-req.Reply
	if res.Err == nil {
		t.Fatal("expected Cancelled error")
	}
	if opener.OpenCount() != 0 {
		t.Fatalf("OpenCount = %d, want 0 (never opened)", opener.OpenCount())
	}
}
