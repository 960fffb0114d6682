package flow

import (
	"testing"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

func TestFirmwareFlowRequiresBootloaderMode(t *testing.T) {
	fl := NewFirmwareFlow(false, "7.8.0", make([]byte, 4096), 1024)
	notInBootloader := &wirecodec.Features{BootloaderMode: false}
	calls := 0
	fc := &Context{
		DeviceID: "dev1",
		Features: func() *wirecodec.Features { return notInBootloader },
		SetFeatures: func(f *wirecodec.Features) { notInBootloader = f },
		Call: func(uint16, []byte, time.Duration) (*wirecodec.Frame, error) {
			calls++
			feat := &wirecodec.Features{BootloaderMode: false}
			return &wirecodec.Frame{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()}, nil
		},
	}

	out := fl.Step(fc, opset.OpUpdateFirmware, nil)
	serr, ok := out.Err.(*StateError)
	if !out.Terminal || !ok || serr.Kind != ErrMustBeInBootloaderMode {
		t.Fatalf("expected MustBeInBootloaderMode, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one retry probe before failing, got %d calls", calls)
	}
}

func TestFirmwareFlowRetriesAmbiguousBootloaderMode(t *testing.T) {
	fl := NewFirmwareFlow(false, "7.8.0", make([]byte, 4), 1024)
	cached := &wirecodec.Features{BootloaderMode: false}
	calls := 0
	ok := &wirecodec.Success{}
	fc := &Context{
		DeviceID: "dev1",
		Features: func() *wirecodec.Features { return cached },
		SetFeatures: func(f *wirecodec.Features) { cached = f },
		Call: func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
			calls++
			if msgType == uint16(wirecodec.MessageInitialize) {
				feat := &wirecodec.Features{BootloaderMode: true}
				return &wirecodec.Frame{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()}, nil
			}
			return &wirecodec.Frame{Type: uint16(wirecodec.MessageSuccess), Payload: ok.Marshal()}, nil
		},
	}

	out := fl.Step(fc, opset.OpUpdateFirmware, nil)
	if !out.Terminal || out.Err != nil {
		t.Fatalf("expected the retried Features probe to unblock the upload, got %+v", out)
	}
}

func TestFirmwareFlowEmitsProgressPerChunkAndVerifiesHash(t *testing.T) {
	firmware := make([]byte, 4096) // 4 chunks of 1024 bytes
	for i := range firmware {
		firmware[i] = byte(i)
	}
	fl := NewFirmwareFlow(false, "7.8.0", firmware, 1024)

	ok := &wirecodec.Success{}
	calls := 0
	var progress []eventbus.Event
	fc := &Context{
		DeviceID:    "dev1",
		Features:    func() *wirecodec.Features { return &wirecodec.Features{BootloaderMode: true} },
		SetFeatures: func(*wirecodec.Features) {},
		Now:         time.Now,
		Progress:    func(ev eventbus.Event) { progress = append(progress, ev) },
		Call: func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
			calls++
			return &wirecodec.Frame{Type: uint16(wirecodec.MessageSuccess), Payload: ok.Marshal()}, nil
		},
	}

	out := fl.Step(fc, opset.OpUpdateFirmware, nil)
	if !out.Terminal || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	// Each chunk's progress is published live through fc.Progress as it
	// happens, not batched into the terminal Outcome.
	if len(out.Events) != 0 {
		t.Fatalf("expected no batched events, got %+v", out.Events)
	}
	if len(progress) != 4 {
		t.Fatalf("expected 4 live progress events for 4 chunks, got %d", len(progress))
	}
	last := progress[3].Payload.(UpdateProgress)
	if last.BytesDone != 4096 || last.BytesTotal != 4096 {
		t.Fatalf("last progress = %+v", last)
	}
	// erase + 4 chunks + post-upload Features refresh
	if calls != 6 {
		t.Fatalf("expected 6 device round trips (erase + 4 chunks + Features refresh), got %d", calls)
	}
}

// TestFirmwareFlowRecoversFromDisconnectDuringPostUploadRefresh covers
// the case where the device drops right after the last chunk lands
// (rebooting to run its own on-device verification) and only the
// post-upload Features refresh sees the disconnect, not any chunk
// send. The flow must keep retrying the refresh across the same grace
// window chunk sends get, still publish exactly one live Reconnected,
// and still finish with a terminal success carrying the refreshed
// Features.
func TestFirmwareFlowRecoversFromDisconnectDuringPostUploadRefresh(t *testing.T) {
	firmware := make([]byte, 1024) // single chunk
	fl := NewFirmwareFlow(false, "7.8.0", firmware, 1024)

	ok := &wirecodec.Success{}
	var progress []eventbus.Event
	var cached *wirecodec.Features
	refreshAttempts := 0
	clock := time.Now()

	fc := &Context{
		DeviceID:    "dev1",
		Features:    func() *wirecodec.Features { return &wirecodec.Features{BootloaderMode: true} },
		SetFeatures: func(f *wirecodec.Features) { cached = f },
		Now:         func() time.Time { return clock },
		Progress:    func(ev eventbus.Event) { progress = append(progress, ev) },
		Call: func(msgType uint16, payload []byte, timeout time.Duration) (*wirecodec.Frame, error) {
			if msgType == uint16(wirecodec.MessageInitialize) {
				refreshAttempts++
				if refreshAttempts == 1 {
					clock = clock.Add(time.Second)
					return nil, transport.WrapError(transport.ErrDisconnected, nil)
				}
				feat := &wirecodec.Features{MajorVersion: 7}
				return &wirecodec.Frame{Type: uint16(wirecodec.MessageFeatures), Payload: feat.Marshal()}, nil
			}
			return &wirecodec.Frame{Type: uint16(wirecodec.MessageSuccess), Payload: ok.Marshal()}, nil
		},
	}

	out := fl.Step(fc, opset.OpUpdateFirmware, nil)
	if !out.Terminal || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if refreshAttempts < 2 {
		t.Fatalf("expected the refresh to retry past the disconnect, got %d attempts", refreshAttempts)
	}
	if cached == nil || cached.MajorVersion != 7 {
		t.Fatalf("expected the refreshed Features to be installed, got %+v", cached)
	}

	var reconnects int
	for _, ev := range progress {
		if ev.Kind == eventbus.Reconnected {
			reconnects++
		}
	}
	if reconnects != 1 {
		t.Fatalf("expected exactly one live Reconnected event, got %d", reconnects)
	}
}
