package server

import (
	"encoding/json"

	"github.com/BitHighlander/keepkey-vault-v6/internal/flow"
	"github.com/BitHighlander/keepkey-vault-v6/internal/opset"
)

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func init() {
	opArgDecoders[opset.OpGetAddress] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.GetAddressArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpSignTransaction] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.SignTransactionArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpInitialize] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.InitializeArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpSetLabel] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.SetLabelArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpChangePin] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.ChangePinArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpStartRecovery] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.StartRecoveryArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpUpdateBootloader] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.UpdateFirmwareArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpUpdateFirmware] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.UpdateFirmwareArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpSubmitPin] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.SubmitPinArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpSubmitPassphrase] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.SubmitPassphraseArgs
		return a, decode(raw, &a)
	}
	opArgDecoders[opset.OpSubmitWord] = func(raw json.RawMessage) (interface{}, error) {
		var a flow.SubmitCipherWordArgs
		return a, decode(raw, &a)
	}
}
