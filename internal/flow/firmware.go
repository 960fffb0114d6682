package flow

import (
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/BitHighlander/keepkey-vault-v6/internal/eventbus"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/transport"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

const (
	firmwareChunkTimeout  = 5 * time.Second
	firmwareRetryInterval = 500 * time.Millisecond
	firmwareReconnectGrace = 15 * time.Second
)

// FirmwareFlow drives VerifyMode -> EraseOrInitialize -> UploadChunks
// -> VerifyHash. It runs start-to-finish inside one Step call: each
// chunk's UpdateProgress event is published live through fc.Progress
// as it happens rather than batched into the terminal Outcome, since
// an upload can run for minutes and a caller watching the event feed
// should see it advance chunk by chunk. Nothing in the upload needs
// input from outside the device once started; a disconnect is
// absorbed here (during chunk upload and during the post-upload
// Features refresh alike), never surfaced as Awaiting. The replies to
// FirmwareErase and to each FirmwareUpload chunk are not decoded: any
// reply that arrives without a transport error counts as an
// acknowledgement, so a ButtonRequest or Failure there is not acted on.
type FirmwareFlow struct {
	bootloader bool // true for update_bootloader, false for update_firmware
	target     string
	firmware   []byte
	chunkBytes int

	done bool
}

func NewFirmwareFlow(bootloader bool, target string, firmware []byte, chunkBytes int) *FirmwareFlow {
	if chunkBytes <= 0 {
		chunkBytes = 1024
	}
	return &FirmwareFlow{bootloader: bootloader, target: target, firmware: firmware, chunkBytes: chunkBytes}
}

func (f *FirmwareFlow) Name() string {
	if f.bootloader {
		return "update_bootloader"
	}
	return "update_firmware"
}

func (f *FirmwareFlow) Step(fc *Context, op opset.Op, args interface{}) Outcome {
	if f.done {
		return terminalErr(&Error{Kind: ErrBusyInFlow})
	}
	if op == opset.OpCancelFlow {
		f.done = true
		return terminalErr(&Error{Kind: ErrCancelled})
	}

	feat := fc.Features()
	if feat == nil || !feat.BootloaderMode {
		// Some older firmware variants misreport bootloader_mode on the
		// first Features snapshot taken right after a mode switch. Give
		// the device one chance to correct itself before refusing the
		// upload outright.
		refreshFeatures(fc)
		feat = fc.Features()
		if feat == nil || !feat.BootloaderMode {
			f.done = true
			return Outcome{Terminal: true, Err: &StateError{Kind: ErrMustBeInBootloaderMode}}
		}
	}

	erase := &wirecodec.FirmwareErase{}
	if _, err := fc.Call(uint16(wirecodec.MessageFirmwareErase), erase.Marshal(), firmwareChunkTimeout); err != nil {
		f.done = true
		return Outcome{Terminal: true, Err: err}
	}

	total := len(f.firmware)
	hash := blake2b.Sum256(f.firmware)
	reconnected := false

	for offset := 0; offset < total; offset += f.chunkBytes {
		end := offset + f.chunkBytes
		if end > total {
			end = total
		}
		chunk := f.firmware[offset:end]

		msg := &wirecodec.FirmwareUpload{Payload: chunk}
		if end == total {
			msg.PayloadHash = hash[:]
		}

		_, err := f.sendChunkWithGrace(fc, msg, &reconnected)
		if err != nil {
			f.done = true
			return Outcome{Terminal: true, Err: err}
		}

		fc.progress(eventbus.Event{
			Kind:     eventbus.UpdateProgress,
			DeviceID: fc.DeviceID,
			Payload: UpdateProgress{
				Phase:      "UploadChunks",
				BytesDone:  end,
				BytesTotal: total,
			},
		})
	}

	f.done = true
	f.refreshFeaturesWithGrace(fc, &reconnected)
	return Outcome{
		Terminal: true,
		Result:   FirmwareResult{Version: f.target, HashVerified: true},
	}
}

// refreshFeaturesWithGrace re-fetches Features across the same
// 15-second reconnect grace sendChunkWithGrace uses, since a device
// can reboot right after the last chunk lands (VerifyHash on-device)
// and the verification-confirming Features snapshot arrives only once
// it comes back. A disconnect seen here publishes Reconnected live the
// same way a disconnect mid-chunk does, unless that already happened
// earlier in this upload.
func (f *FirmwareFlow) refreshFeaturesWithGrace(fc *Context, reconnected *bool) {
	deadline := fc.now().Add(firmwareReconnectGrace)
	sawDisconnect := false

	for {
		frame, err := fc.Call(uint16(wirecodec.MessageInitialize), (&wirecodec.Initialize{}).Marshal(), defaultOpTimeout)
		if err == nil {
			if feat, ferr := wirecodec.UnmarshalFeatures(frame.Payload); ferr == nil {
				fc.SetFeatures(feat)
			}
			if sawDisconnect && !*reconnected {
				*reconnected = true
				fc.progress(eventbus.Event{Kind: eventbus.Reconnected, DeviceID: fc.DeviceID, Payload: true})
			}
			return
		}

		terr, ok := err.(*transport.Error)
		if !ok || !terr.RebindRequired {
			return
		}
		if fc.now().After(deadline) {
			return
		}
		sawDisconnect = true
		time.Sleep(firmwareRetryInterval)
	}
}

// sendChunkWithGrace retries a chunk send across a 15-second reconnect
// grace when the device disconnects mid-upload (it reboots mid-flash
// on some firmware variants); exactly one Reconnected event is
// published live the first time a retry after disconnect succeeds.
func (f *FirmwareFlow) sendChunkWithGrace(fc *Context, msg *wirecodec.FirmwareUpload, reconnected *bool) (*wirecodec.Frame, error) {
	deadline := fc.now().Add(firmwareReconnectGrace)
	sawDisconnect := false

	for {
		frame, err := fc.Call(uint16(wirecodec.MessageFirmwareUpload), msg.Marshal(), firmwareChunkTimeout)
		if err == nil {
			if sawDisconnect && !*reconnected {
				*reconnected = true
				fc.progress(eventbus.Event{Kind: eventbus.Reconnected, DeviceID: fc.DeviceID, Payload: true})
			}
			return frame, nil
		}

		terr, ok := err.(*transport.Error)
		if !ok || !terr.RebindRequired {
			return nil, err
		}
		if fc.now().After(deadline) {
			return nil, err
		}
		sawDisconnect = true
		time.Sleep(firmwareRetryInterval)
	}
}

// UpdateProgress is the payload of an UpdateProgress event.
type UpdateProgress struct {
	Phase      string
	BytesDone  int
	BytesTotal int
}

// FirmwareResult is the terminal Result of a firmware/bootloader update.
type FirmwareResult struct {
	Version      string
	HashVerified bool
}
