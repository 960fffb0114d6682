package wirecodec

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTripKnownTypes(t *testing.T) {
	cases := []struct {
		name    string
		msgType MessageType
		payload []byte
	}{
		{"features-empty", MessageFeatures, (&Features{}).Marshal()},
		{"features-full", MessageFeatures, (&Features{
			VendorName: "keepkey", MajorVersion: 7, MinorVersion: 7, PatchVersion: 0,
			DeviceID: "ABC123", PINProtection: true, Initialized: true, Label: "vault",
			Policies: []string{"shamir", "advanced-mode"},
		}).Marshal()},
		{"pin-matrix-request", MessagePinMatrixRequest, (&PinMatrixRequest{Type: PinNewSecond}).Marshal()},
		{"pin-matrix-ack", MessagePinMatrixAck, (&PinMatrixAck{Positions: "7153"}).Marshal()},
		{"failure", MessageFailure, (&Failure{Code: 99, Message: "bad state"}).Marshal()},
		{"zero-payload", MessagePing, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reports := Encode(uint16(tc.msgType), tc.payload)
			for _, r := range reports {
				if len(r) != ReportSize {
					t.Fatalf("report size = %d, want %d", len(r), ReportSize)
				}
			}
			frame, err := Decode(reports)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if frame.Type != uint16(tc.msgType) {
				t.Fatalf("Type = %d, want %d", frame.Type, tc.msgType)
			}
			if !bytes.Equal(frame.Payload, tc.payload) {
				t.Fatalf("Payload mismatch: got %v want %v", frame.Payload, tc.payload)
			}
		})
	}
}

func TestEncodeMultiReportFragmentation(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 500)
	reports := Encode(uint16(MessageFirmwareUpload), payload)
	if len(reports) < 2 {
		t.Fatalf("expected fragmentation across multiple reports, got %d", len(reports))
	}
	frame, err := Decode(reports)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestDecodeNeverPanicsOnRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		n := rng.Intn(4) + 1
		reports := make([][]byte, n)
		for j := range reports {
			buf := make([]byte, ReportSize)
			rng.Read(buf)
			reports[j] = buf
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on random input: %v", r)
				}
			}()
			frame, err := Decode(reports)
			if err == nil && frame == nil {
				t.Fatal("Decode returned nil frame and nil error")
			}
		}()
	}
}

func TestDecodeBadMagic(t *testing.T) {
	bad := make([]byte, ReportSize)
	bad[0], bad[1] = 0x00, 0x00
	_, err := Decode([][]byte{bad})
	cerr, ok := err.(*CodecError)
	if !ok || cerr.Kind != BadMagic {
		t.Fatalf("expected BadMagic CodecError, got %v", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	reports := Encode(uint16(MessageFeatures), bytes.Repeat([]byte{1}, 200))
	_, err := Decode(reports[:len(reports)-1])
	cerr, ok := err.(*CodecError)
	if !ok || cerr.Kind != TruncatedPayload {
		t.Fatalf("expected TruncatedPayload CodecError, got %v", err)
	}
}

func TestReassemblerFeedIncremental(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 130)
	reports := Encode(uint16(MessageGetAddress), payload)

	ra := NewReassembler()
	var got *Frame
	for i, r := range reports {
		f, err := ra.Feed(r)
		if err != nil {
			t.Fatalf("Feed(%d) error = %v", i, err)
		}
		if i < len(reports)-1 && f != nil {
			t.Fatalf("Feed(%d) completed early", i)
		}
		if f != nil {
			got = f
		}
	}
	if got == nil || !bytes.Equal(got.Payload, payload) {
		t.Fatal("incremental reassembly did not match original payload")
	}
}
