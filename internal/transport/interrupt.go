package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/BitHighlander/keepkey-vault-v6/internal/wirecodec"
)

const (
	interruptIfaceNum   = 0
	interruptAltSetting = 0
	interruptEpIn       = 0x81
	interruptEpOut      = 0x01
)

// InterruptOpener opens devices over a raw USB interrupt endpoint
// (WinUSB-class, the USB_INTERRUPT transport kind), backed by
// github.com/google/gousb.
type InterruptOpener struct {
	ctx *gousb.Context
}

// NewInterruptOpener takes ownership of ctx; Close it once the process
// is shutting down.
func NewInterruptOpener(ctx *gousb.Context) *InterruptOpener {
	return &InterruptOpener{ctx: ctx}
}

func (o *InterruptOpener) Open(desc Descriptor) (Transport, error) {
	dev, err := o.ctx.OpenDeviceWithVIDPID(gousb.ID(desc.VendorID), gousb.ID(desc.ProductID))
	if err != nil {
		return nil, WrapError(ErrHardware, err)
	}
	if dev == nil {
		return nil, WrapError(ErrNotFound, nil)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		_ = dev.Close()
		return nil, WrapError(ErrHardware, err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		return nil, classifyGousbError(err)
	}
	intf, err := cfg.Interface(interruptIfaceNum, interruptAltSetting)
	if err != nil {
		_ = cfg.Close()
		_ = dev.Close()
		return nil, classifyGousbError(err)
	}
	inEp, err := intf.InEndpoint(interruptEpIn)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		_ = dev.Close()
		return nil, WrapError(ErrHardware, err)
	}
	outEp, err := intf.OutEndpoint(interruptEpOut)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		_ = dev.Close()
		return nil, WrapError(ErrHardware, err)
	}

	t := &interruptTransport{dev: dev, cfg: cfg, intf: intf, in: inEp, out: outEp}
	return t, nil
}

func classifyGousbError(err error) error {
	return WrapError(ErrBusy, err)
}

// USBScan lists currently attached raw-USB-interrupt devices matching
// vendorIDs (empty matches any vendor), as enumerator.Scanner
// descriptors. It briefly opens each matching device only to read its
// descriptor/serial and immediately closes it again; the exclusive
// hold belongs to InterruptOpener.Open, not to scanning. Enumeration
// is read-only and must never contend with a live Worker's Transport.
func USBScan(ctx *gousb.Context, vendorIDs []uint16) ([]Descriptor, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if len(vendorIDs) == 0 {
			return true
		}
		return vendorIDAllowed(vendorIDs, uint16(desc.Vendor))
	})
	if err != nil && len(devs) == 0 {
		return nil, WrapError(ErrHardware, err)
	}

	out := make([]Descriptor, 0, len(devs))
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		manufacturer, _ := d.Manufacturer()
		product, _ := d.Product()
		vid, pid := uint16(d.Desc.Vendor), uint16(d.Desc.Product)
		out = append(out, Descriptor{
			DeviceID:     USBIdentify(vid, pid, serial, d.String()),
			VendorID:     vid,
			ProductID:    pid,
			Manufacturer: manufacturer,
			Product:      product,
			Serial:       serial,
			Kind:         KindUSBInterrupt,
			Path:         d.String(),
		})
		_ = d.Close()
	}
	return out, nil
}

// USBIdentify derives the stable backend-path component of a device_id
// for a raw-USB device, following the same serial-preferred, else
// deterministic-hash rule as HIDIdentify.
func USBIdentify(vid, pid uint16, serial, path string) string {
	if serial != "" {
		return fmt.Sprintf("usb:%04x:%04x:%s", vid, pid, serial)
	}
	digest := sha256.Sum256([]byte(fmt.Sprintf("%04x:%04x:%s", vid, pid, path)))
	return "usb:" + hex.EncodeToString(digest[:8])
}

type interruptTransport struct {
	mu   sync.Mutex
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (t *interruptTransport) Send(msgType uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, report := range wirecodec.Encode(msgType, payload) {
		if _, err := t.out.Write(report); err != nil {
			return WrapError(ErrWriteFailed, err)
		}
	}
	return nil
}

func (t *interruptTransport) Recv(deadline time.Time) (*wirecodec.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ra := wirecodec.NewReassembler()
	buf := make([]byte, wirecodec.ReportSize)
	for {
		timeout := time.Minute
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return nil, WrapError(ErrTimeout, nil)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		n, err := t.in.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, WrapError(ErrTimeout, nil)
			}
			return nil, WrapError(ErrDisconnected, err)
		}

		frame, err := ra.Feed(buf[:n])
		if err != nil {
			return nil, WrapError(ErrReadFailed, err)
		}
		if frame != nil {
			return frame, nil
		}
	}
}

func (t *interruptTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.intf.Close()
	errCfg := t.cfg.Close()
	errDev := t.dev.Close()
	if errCfg != nil {
		return errCfg
	}
	return errDev
}
