package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/karalabe/usb"

	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

// HIDOpener opens devices through the HID report protocol, backed by
// github.com/karalabe/usb (the same library go-ethereum's hardware
// wallet backends use).
type HIDOpener struct {
	vendorIDs, productIDs []uint16
}

// NewHIDOpener restricts enumeration/open to the given vid/pid pairs;
// an empty allow-list opens anything karalabe/usb reports as a HID
// device.
func NewHIDOpener(vendorIDs, productIDs []uint16) *HIDOpener {
	return &HIDOpener{vendorIDs: vendorIDs, productIDs: productIDs}
}

func (o *HIDOpener) Open(desc Descriptor) (Transport, error) {
	infos, err := usb.Enumerate(desc.VendorID, desc.ProductID)
	if err != nil {
		return nil, WrapError(ErrHardware, err)
	}
	for _, info := range infos {
		if !o.matchesPath(info, desc.Path) {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, classifyOpenError(err)
		}
		return newHIDTransport(dev), nil
	}
	return nil, WrapError(ErrNotFound, fmt.Errorf("hid: no device at path %q", desc.Path))
}

// HIDScan lists currently attached HID devices matching vendorIDs (an
// empty slice matches any vendor) as enumerator.Scanner descriptors.
func HIDScan(vendorIDs []uint16) ([]Descriptor, error) {
	infos, err := usb.Enumerate(0, 0)
	if err != nil {
		return nil, WrapError(ErrHardware, err)
	}
	var out []Descriptor
	for _, info := range infos {
		if len(vendorIDs) > 0 && !vendorIDAllowed(vendorIDs, info.VendorID) {
			continue
		}
		out = append(out, Descriptor{
			DeviceID:     HIDIdentify(info),
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Manufacturer: info.Manufacturer,
			Product:      info.Product,
			Serial:       info.Serial,
			Kind:         KindHID,
			Path:         HIDIdentify(info),
		})
	}
	return out, nil
}

func vendorIDAllowed(vendorIDs []uint16, vid uint16) bool {
	for _, v := range vendorIDs {
		if v == vid {
			return true
		}
	}
	return false
}

func (o *HIDOpener) matchesPath(info usb.DeviceInfo, path string) bool {
	if path == "" {
		return true
	}
	return HIDIdentify(info) == path
}

// HIDIdentify derives the stable backend-path component of a
// device_id for a HID device: serial when present, else a
// deterministic hash of the enumeration coordinates.
func HIDIdentify(info usb.DeviceInfo) string {
	if info.Serial != "" {
		return fmt.Sprintf("hid:%04x:%04x:%s", info.VendorID, info.ProductID, info.Serial)
	}
	digest := sha256.Sum256([]byte(fmt.Sprintf("%04x:%04x:%s", info.VendorID, info.ProductID, info.Path)))
	return "hid:" + hex.EncodeToString(digest[:8])
}

func classifyOpenError(err error) error {
	// karalabe/usb does not export typed errors; classify on message
	// content so the caller can tell a transient open failure (worth
	// retrying) from a permission problem (not).
	msg := err.Error()
	switch {
	case contains(msg, "busy") || contains(msg, "resource busy"):
		return WrapError(ErrBusy, err)
	case contains(msg, "permission") || contains(msg, "access"):
		return WrapError(ErrPermissionDenied, err)
	default:
		return WrapError(ErrHardware, err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// hidDevice is the subset of usb.Device this package depends on,
// narrowed for testability.
type hidDevice interface {
	io.ReadWriteCloser
}

type hidTransport struct {
	mu   sync.Mutex
	dev  hidDevice
	recv chan readResult
	quit chan struct{}
}

type readResult struct {
	buf []byte
	err error
}

func newHIDTransport(dev hidDevice) *hidTransport {
	t := &hidTransport{
		dev:  dev,
		recv: make(chan readResult, 1),
		quit: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// readLoop runs for the lifetime of the transport, issuing blocking
// reads and forwarding each report; Recv applies the deadline on top of
// this channel so a slow/blocked OS read never wedges Close.
func (t *hidTransport) readLoop() {
	buf := make([]byte, wirecodec.ReportSize)
	for {
		n, err := t.dev.Read(buf)
		select {
		case t.recv <- readResult{buf: append([]byte(nil), buf[:n]...), err: err}:
		case <-t.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *hidTransport) Send(msgType uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, report := range wirecodec.Encode(msgType, payload) {
		// HID-backed transports prepend a single 0x00 report-ID byte.
		buf := make([]byte, 1+len(report))
		buf[0] = 0x00
		copy(buf[1:], report)
		if _, err := t.dev.Write(buf); err != nil {
			return WrapError(ErrWriteFailed, err)
		}
	}
	return nil
}

func (t *hidTransport) Recv(deadline time.Time) (*wirecodec.Frame, error) {
	ra := wirecodec.NewReassembler()
	for {
		var timer <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, WrapError(ErrTimeout, nil)
			}
			tm := time.NewTimer(d)
			defer tm.Stop()
			timer = tm.C
		}

		select {
		case res := <-t.recv:
			if res.err != nil {
				return nil, WrapError(ErrDisconnected, res.err)
			}
			frame, err := ra.Feed(res.buf)
			if err != nil {
				return nil, WrapError(ErrReadFailed, err)
			}
			if frame != nil {
				return frame, nil
			}
		case <-timer:
			return nil, WrapError(ErrTimeout, nil)
		}
	}
}

func (t *hidTransport) Close() error {
	select {
	case <-t.quit:
		return nil
	default:
		close(t.quit)
	}
	return t.dev.Close()
}
