package flow

import (
	"fmt"
	"time"

	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

const defaultOpTimeout = 5 * time.Second

// refreshFeatures re-fetches DeviceFeatures and installs it via
// fc.SetFeatures, so the cached Features stays current after any
// state-changing command. A plain fc.SetFeatures(nil) invalidates the
// cache but never re-populates it, and never emits FeaturesUpdated,
// since the Worker only publishes that event for a non-nil snapshot.
// A failure here is swallowed: the triggering command already
// succeeded, and a refresh failure must not turn that success into an
// error result.
func refreshFeatures(fc *Context) {
	frame, err := fc.Call(uint16(wirecodec.MessageInitialize), (&wirecodec.Initialize{}).Marshal(), defaultOpTimeout)
	if err != nil {
		return
	}
	feat, err := wirecodec.UnmarshalFeatures(frame.Payload)
	if err != nil {
		return
	}
	fc.SetFeatures(feat)
}

// For builds the Flow that should handle a fresh (non-continuation)
// request, given its op and already-typed args (see args.go). It is
// the sole construction site flows come from. While a flow is Awaiting,
// the Worker routes opset.Op.IsContinuation ops into its Step instead;
// a continuation op arriving with no flow Awaiting reaches here and
// gets the no-flow error.
func For(op opset.Op, args interface{}) (Flow, error) {
	switch op {
	case opset.OpGetFeatures:
		return newFeaturesFlow(), nil

	case opset.OpGetAddress:
		a, _ := args.(GetAddressArgs)
		return newGetAddressFlow(a), nil

	case opset.OpSignTransaction:
		a, _ := args.(SignTransactionArgs)
		return newSignTransactionFlow(a), nil

	case opset.OpWipeDevice:
		return newWipeDeviceFlow(), nil

	case opset.OpSetLabel:
		a, _ := args.(SetLabelArgs)
		return newSetLabelFlow(a), nil

	case opset.OpInitialize:
		a, _ := args.(InitializeArgs)
		return newInitializeFlow(a), nil

	case opset.OpChangePin:
		a, _ := args.(ChangePinArgs)
		return newChangePinFlow(a), nil

	case opset.OpStartRecovery:
		a, _ := args.(StartRecoveryArgs)
		return NewRecoveryFlow(a.WordCount), nil

	case opset.OpStartSeedVerify:
		return NewSeedVerifyFlow(), nil

	case opset.OpUpdateFirmware:
		a, _ := args.(UpdateFirmwareArgs)
		return NewFirmwareFlow(false, a.TargetVersion, a.Firmware, 1024), nil

	case opset.OpUpdateBootloader:
		a, _ := args.(UpdateFirmwareArgs)
		return NewFirmwareFlow(true, a.TargetVersion, a.Firmware, 1024), nil

	default:
		return nil, fmt.Errorf("flow: no flow registered for op %q", op)
	}
}

func newFeaturesFlow() *RequestFlow {
	return &RequestFlow{
		op: opset.OpGetFeatures, name: "get_features", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			return uint16(wirecodec.MessageInitialize), (&wirecodec.Initialize{}).Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			feat, err := wirecodec.UnmarshalFeatures(frame.Payload)
			if err != nil {
				return nil, err
			}
			fc.SetFeatures(feat)
			return feat, nil
		},
	}
}

func newGetAddressFlow(a GetAddressArgs) *RequestFlow {
	return &RequestFlow{
		op: opset.OpGetAddress, name: "get_address", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			m := &wirecodec.GetAddress{Path: a.Path, Coin: a.Coin, ScriptType: a.ScriptType}
			return uint16(wirecodec.MessageGetAddress), m.Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			return wirecodec.UnmarshalAddress(frame.Payload)
		},
	}
}

func newSignTransactionFlow(a SignTransactionArgs) *RequestFlow {
	return &RequestFlow{
		op: opset.OpSignTransaction, name: "sign_transaction", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			m := &wirecodec.SignTx{Envelope: a.Envelope}
			return uint16(wirecodec.MessageSignTx), m.Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			return wirecodec.UnmarshalSuccess(frame.Payload)
		},
	}
}

func newWipeDeviceFlow() *RequestFlow {
	return &RequestFlow{
		op: opset.OpWipeDevice, name: "wipe_device", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			return uint16(wirecodec.MessageWipeDevice), (&wirecodec.WipeDevice{}).Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			fc.SetFeatures(nil)
			return wirecodec.UnmarshalSuccess(frame.Payload)
		},
	}
}

func newSetLabelFlow(a SetLabelArgs) *RequestFlow {
	return &RequestFlow{
		op: opset.OpSetLabel, name: "set_label", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			m := &wirecodec.ApplySettings{Label: a.Label}
			return uint16(wirecodec.MessageApplySettings), m.Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			res, err := wirecodec.UnmarshalSuccess(frame.Payload)
			if err != nil {
				return nil, err
			}
			refreshFeatures(fc)
			return res, nil
		},
	}
}

func newInitializeFlow(a InitializeArgs) *RequestFlow {
	return &RequestFlow{
		op: opset.OpInitialize, name: "initialize", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			m := &wirecodec.ResetDevice{Strength: uint32(a.Strength), PassphraseProtection: a.PassphraseProtection}
			return uint16(wirecodec.MessageResetDevice), m.Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			res, err := wirecodec.UnmarshalSuccess(frame.Payload)
			if err != nil {
				return nil, err
			}
			refreshFeatures(fc)
			return res, nil
		},
	}
}

func newChangePinFlow(a ChangePinArgs) *RequestFlow {
	return &RequestFlow{
		op: opset.OpChangePin, name: "change_pin", opTimeout: defaultOpTimeout,
		build: func() (uint16, []byte) {
			m := &wirecodec.ChangePin{Remove: a.Remove}
			return uint16(wirecodec.MessageChangePin), m.Marshal()
		},
		decode: func(fc *Context, frame *wirecodec.Frame) (interface{}, error) {
			res, err := wirecodec.UnmarshalSuccess(frame.Payload)
			if err != nil {
				return nil, err
			}
			refreshFeatures(fc)
			return res, nil
		},
	}
}
