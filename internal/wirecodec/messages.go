package wirecodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the payload schema carried by a Frame. Codes are
// vendor-assigned, matching the upstream protobuf message definitions;
// the set below covers every operation and flow this package dispatches.
type MessageType uint16

const (
	MessageInitialize        MessageType = 0
	MessagePing              MessageType = 1
	MessageSuccess           MessageType = 2
	MessageFailure           MessageType = 3
	MessageChangePin         MessageType = 4
	MessageWipeDevice        MessageType = 5
	MessageFirmwareErase     MessageType = 6
	MessageFirmwareUpload    MessageType = 7
	MessageFirmwareRequest   MessageType = 8
	MessageGetAddress        MessageType = 29
	MessageAddress           MessageType = 30
	MessageSignTx            MessageType = 15
	MessageTxRequest         MessageType = 21
	MessageTxAck             MessageType = 22
	MessageFeatures          MessageType = 17
	MessagePinMatrixRequest  MessageType = 18
	MessagePinMatrixAck      MessageType = 19
	MessageCancel            MessageType = 20
	MessageEntropyRequest    MessageType = 35
	MessageEntropyAck        MessageType = 36
	MessagePassphraseRequest MessageType = 41
	MessagePassphraseAck     MessageType = 42
	MessageRecoveryDevice    MessageType = 45
	MessageWordRequest       MessageType = 46
	MessageWordAck           MessageType = 47
	MessageButtonRequest     MessageType = 26
	MessageButtonAck         MessageType = 27
	MessageApplySettings     MessageType = 25
	MessageResetDevice       MessageType = 55
)

// KnownTypeNames is used for logging/status display; it is intentionally
// not exhaustive of every protobuf field, only the type codes this module
// dispatches on.
var KnownTypeNames = map[MessageType]string{
	MessageInitialize:        "Initialize",
	MessagePing:               "Ping",
	MessageSuccess:            "Success",
	MessageFailure:            "Failure",
	MessageChangePin:          "ChangePin",
	MessageWipeDevice:         "WipeDevice",
	MessageFirmwareErase:      "FirmwareErase",
	MessageFirmwareUpload:     "FirmwareUpload",
	MessageFirmwareRequest:    "FirmwareRequest",
	MessageGetAddress:         "GetAddress",
	MessageAddress:            "Address",
	MessageSignTx:             "SignTx",
	MessageTxRequest:          "TxRequest",
	MessageTxAck:              "TxAck",
	MessageFeatures:           "Features",
	MessagePinMatrixRequest:   "PinMatrixRequest",
	MessagePinMatrixAck:       "PinMatrixAck",
	MessageCancel:             "Cancel",
	MessageEntropyRequest:     "EntropyRequest",
	MessageEntropyAck:         "EntropyAck",
	MessagePassphraseRequest:  "PassphraseRequest",
	MessagePassphraseAck:      "PassphraseAck",
	MessageRecoveryDevice:     "RecoveryDevice",
	MessageWordRequest:        "WordRequest",
	MessageWordAck:            "WordAck",
	MessageButtonRequest:      "ButtonRequest",
	MessageButtonAck:          "ButtonAck",
	MessageApplySettings:      "ApplySettings",
	MessageResetDevice:        "ResetDevice",
}

// Unknown represents a Frame whose Type is not one this module decodes
// into a typed struct; upper layers may log-and-ignore or treat it as a
// protocol error at their discretion.
type Unknown struct {
	TypeCode uint16
	Bytes    []byte
}

// --- TLV helpers -----------------------------------------------------
//
// Payloads use a tag-length-value schema compatible with the protobuf
// wire format; protowire gives us the varint/tag primitives without
// pulling in a full generated-code pipeline for a handful of
// hand-stable vendor messages.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks a TLV payload field-by-field, invoking set for
// each decoded field. It returns LengthMismatch/UnknownField CodecErrors
// the same way Decode does, so callers share one error taxonomy.
func consumeFields(data []byte, set func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errf(LengthMismatch, "malformed TLV tag")
		}
		data = data[n:]

		consumed, err := set(num, typ, data)
		if err != nil {
			return err
		}
		if consumed < 0 || consumed > len(data) {
			return errf(LengthMismatch, "field length exceeds remaining payload")
		}
		data = data[consumed:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errf(UnknownField, "expected varint field")
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, errf(LengthMismatch, "truncated varint")
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errf(UnknownField, "expected length-delimited field")
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errf(LengthMismatch, "truncated length-delimited field")
	}
	return v, n, nil
}

// --- Messages ----------------------------------------------------------

// Features is the device's self-report.
type Features struct {
	VendorName             string
	MajorVersion           uint64
	MinorVersion           uint64
	PatchVersion           uint64
	BootloaderHash         []byte
	DeviceID               string
	PINProtection          bool
	PassphraseProtection   bool
	Label                  string
	Initialized            bool
	BootloaderMode         bool
	Policies               []string
}

func (f *Features) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, f.VendorName)
	b = appendVarintField(b, 2, f.MajorVersion)
	b = appendVarintField(b, 3, f.MinorVersion)
	b = appendVarintField(b, 4, f.PatchVersion)
	b = appendBytesField(b, 5, f.BootloaderHash)
	b = appendStringField(b, 6, f.DeviceID)
	b = appendBoolField(b, 7, f.PINProtection)
	b = appendBoolField(b, 8, f.PassphraseProtection)
	b = appendStringField(b, 9, f.Label)
	b = appendBoolField(b, 10, f.Initialized)
	b = appendBoolField(b, 11, f.BootloaderMode)
	for _, p := range f.Policies {
		b = appendStringField(b, 12, p)
	}
	return b
}

func UnmarshalFeatures(data []byte) (*Features, error) {
	f := &Features{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.VendorName = string(v)
			return n, nil
		case 2:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.MajorVersion = v
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.MinorVersion = v
			return n, nil
		case 4:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.PatchVersion = v
			return n, nil
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.BootloaderHash = v
			return n, nil
		case 6:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.DeviceID = string(v)
			return n, nil
		case 7:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.PINProtection = v != 0
			return n, nil
		case 8:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.PassphraseProtection = v != 0
			return n, nil
		case 9:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.Label = string(v)
			return n, nil
		case 10:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.Initialized = v != 0
			return n, nil
		case 11:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			f.BootloaderMode = v != 0
			return n, nil
		case 12:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			f.Policies = append(f.Policies, string(v))
			return n, nil
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, errf(LengthMismatch, "truncated unknown field in Features")
			}
			return n, nil
		}
	})
	return f, err
}

// PinMatrixRequest/Ack drive the PIN-Matrix Flow.
type PinMatrixRequestType uint64

const (
	PinCurrent PinMatrixRequestType = iota
	PinNewFirst
	PinNewSecond
)

type PinMatrixRequest struct {
	Type PinMatrixRequestType
}

func (m *PinMatrixRequest) Marshal() []byte {
	return appendVarintField(nil, 1, uint64(m.Type))
}

func UnmarshalPinMatrixRequest(data []byte) (*PinMatrixRequest, error) {
	m := &PinMatrixRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Type = PinMatrixRequestType(v)
			return n, nil
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		return n, nil
	})
	return m, err
}

type PinMatrixAck struct {
	Positions string // digits '1'..'9', one per matrix tap
}

func (m *PinMatrixAck) Marshal() []byte {
	return appendStringField(nil, 1, m.Positions)
}

func UnmarshalPinMatrixAck(data []byte) (*PinMatrixAck, error) {
	m := &PinMatrixAck{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Positions = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// PassphraseRequest/Ack.
type PassphraseRequest struct{}

func (m *PassphraseRequest) Marshal() []byte { return nil }

type PassphraseAck struct {
	Passphrase string
}

func (m *PassphraseAck) Marshal() []byte {
	return appendStringField(nil, 1, m.Passphrase)
}

// ButtonRequest/Ack.
type ButtonRequestType uint64

const (
	ButtonConfirmOutput ButtonRequestType = iota
	ButtonConfirmWipe
	ButtonConfirmReset
	ButtonConfirmRecovery
	ButtonConfirmFirmware
)

type ButtonRequest struct {
	Code ButtonRequestType
}

func UnmarshalButtonRequest(data []byte) (*ButtonRequest, error) {
	m := &ButtonRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Code = ButtonRequestType(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

type ButtonAck struct{}

func (m *ButtonAck) Marshal() []byte { return nil }

// Cancel aborts whatever flow step the device is waiting in.
type Cancel struct{}

func (m *Cancel) Marshal() []byte { return nil }

// Failure/Success are the two terminal acknowledgements most flows end in.
type Failure struct {
	Code    uint64
	Message string
}

func (m *Failure) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.Code)
	b = appendStringField(b, 2, m.Message)
	return b
}

func UnmarshalFailure(data []byte) (*Failure, error) {
	m := &Failure{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Code = v
			return n, nil
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Message = string(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return m, err
}

type Success struct {
	Message string
}

func (m *Success) Marshal() []byte {
	return appendStringField(nil, 1, m.Message)
}

func UnmarshalSuccess(data []byte) (*Success, error) {
	m := &Success{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Message = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// WordRequest/Ack drive the Recovery (Cipher) Flow.
type WordRequest struct {
	Index uint64
}

func UnmarshalWordRequest(data []byte) (*WordRequest, error) {
	m := &WordRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Index = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

type WordAck struct {
	Letters string
}

func (m *WordAck) Marshal() []byte {
	return appendStringField(nil, 1, m.Letters)
}

// FirmwareErase/Request/Upload drive the Firmware Upload Flow.
type FirmwareErase struct{}

func (m *FirmwareErase) Marshal() []byte { return nil }

type FirmwareRequest struct {
	Offset uint64
	Length uint64
}

func UnmarshalFirmwareRequest(data []byte) (*FirmwareRequest, error) {
	m := &FirmwareRequest{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Offset = v
			return n, nil
		case 2:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Length = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return m, err
}

type FirmwareUpload struct {
	Payload     []byte
	PayloadHash []byte
}

func (m *FirmwareUpload) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Payload)
	b = appendBytesField(b, 2, m.PayloadHash)
	return b
}

// GetAddress/Address drive the simple get-address request.
type GetAddress struct {
	Path       []uint32
	Coin       string
	ScriptType string
}

func (m *GetAddress) Marshal() []byte {
	var b []byte
	for _, p := range m.Path {
		b = appendVarintField(b, 1, uint64(p))
	}
	b = appendStringField(b, 2, m.Coin)
	b = appendStringField(b, 3, m.ScriptType)
	return b
}

type Address struct {
	Address string
}

func (m *Address) Marshal() []byte {
	return appendStringField(nil, 1, m.Address)
}

func UnmarshalAddress(data []byte) (*Address, error) {
	m := &Address{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Address = string(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// SignTx carries an already-assembled protocol envelope; the chain-specific
// transaction semantics that fill that envelope are out of scope. This
// module only ferries the bytes to the device and back.
type SignTx struct {
	Envelope []byte
}

func (m *SignTx) Marshal() []byte {
	return appendBytesField(nil, 1, m.Envelope)
}

// Initialize begins a session; WipeDevice, ChangePin, and RecoveryDevice
// are likewise thin request wrappers around their named operation.
type Initialize struct{}

func (m *Initialize) Marshal() []byte { return nil }

type WipeDevice struct{}

func (m *WipeDevice) Marshal() []byte { return nil }

type ChangePin struct {
	Remove bool
}

func (m *ChangePin) Marshal() []byte {
	return appendBoolField(nil, 1, m.Remove)
}

type ApplySettings struct {
	Label string
}

func (m *ApplySettings) Marshal() []byte {
	return appendStringField(nil, 1, m.Label)
}

type ResetDevice struct {
	Strength             uint32
	PassphraseProtection bool
}

func (m *ResetDevice) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Strength))
	b = appendBoolField(b, 2, m.PassphraseProtection)
	return b
}

type RecoveryDevice struct {
	WordCount uint64
}

func (m *RecoveryDevice) Marshal() []byte {
	return appendVarintField(nil, 1, m.WordCount)
}

// DecodeMessage parses a Frame's raw payload into its typed message when
// Type is recognized, or returns Unknown otherwise. The caller passes
// in the Frame's Type and Payload directly.
func DecodeMessage(msgType uint16, payload []byte) (interface{}, error) {
	switch MessageType(msgType) {
	case MessageFeatures:
		return UnmarshalFeatures(payload)
	case MessageAddress:
		return UnmarshalAddress(payload)
	case MessagePinMatrixRequest:
		return UnmarshalPinMatrixRequest(payload)
	case MessagePinMatrixAck:
		return UnmarshalPinMatrixAck(payload)
	case MessageButtonRequest:
		return UnmarshalButtonRequest(payload)
	case MessageFailure:
		return UnmarshalFailure(payload)
	case MessageSuccess:
		return UnmarshalSuccess(payload)
	case MessageWordRequest:
		return UnmarshalWordRequest(payload)
	case MessageFirmwareRequest:
		return UnmarshalFirmwareRequest(payload)
	case MessageCancel:
		return &Cancel{}, nil
	case MessagePassphraseRequest:
		return &PassphraseRequest{}, nil
	case MessageButtonAck:
		return &ButtonAck{}, nil
	default:
		return &Unknown{TypeCode: msgType, Bytes: payload}, nil
	}
}

// Name returns a human-readable name for status/logging purposes.
func Name(msgType uint16) string {
	if n, ok := KnownTypeNames[MessageType(msgType)]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", msgType)
}
