package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// The ADB function on a USB device is a vendor-specific interface with
// subclass 0x42 and protocol 0x01.
const (
	adbClass    = gousb.ClassVendorSpec
	adbSubClass = gousb.Class(0x42)
	adbProtocol = gousb.Protocol(0x01)
)

// USBDevice describes an attached device exposing an ADB interface.
type USBDevice struct {
	Serial  string
	Bus     int
	Address int
	Vendor  string
	Product string
}

type adbInterface struct {
	config int
	number int
	alt    int
	in     int
	out    int
}

func findADBInterface(desc *gousb.DeviceDesc) (adbInterface, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != adbClass || alt.SubClass != adbSubClass || alt.Protocol != adbProtocol {
					continue
				}
				found := adbInterface{config: cfg.Number, number: alt.Number, alt: alt.Alternate, in: -1, out: -1}
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						found.in = ep.Number
					} else {
						found.out = ep.Number
					}
				}
				if found.in >= 0 && found.out >= 0 {
					return found, true
				}
			}
		}
	}
	return adbInterface{}, false
}

func classifyUSBError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorAccess), errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case errors.Is(err, gousb.ErrorTimeout):
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	default:
		return err
	}
}

// claimError classifies a failure to set the configuration or claim the
// interface. gousb formats the libusb code into the message, so errors.Is
// cannot see it; either way another driver or missing udev access holds
// the interface.
func claimError(err error) error {
	return fmt.Errorf("%w: %v", ErrPermission, err)
}

// ListUSB returns every attached device that exposes an ADB interface.
func ListUSB() ([]USBDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := findADBInterface(desc)
		return ok
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, classifyUSBError(err)
	}

	var out []USBDevice
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		out = append(out, USBDevice{
			Serial:  serial,
			Bus:     d.Desc.Bus,
			Address: d.Desc.Address,
			Vendor:  d.Desc.Vendor.String(),
			Product: d.Desc.Product.String(),
		})
	}
	return out, nil
}

type usbTransport struct {
	usb    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	reader *bufio.Reader
	serial string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// openUSB claims the ADB interface of the matching device. Everything
// acquired along the way is released again if a later step fails.
func openUSB(target Target) (_ Transport, err error) {
	t := &usbTransport{usb: gousb.NewContext()}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			t.Close()
			err = &ConnectionError{Target: target, Err: err}
		}
	}()

	devs, openErr := t.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := findADBInterface(desc)
		return ok
	})
	for _, d := range devs {
		if t.dev != nil {
			d.Close()
			continue
		}
		serial, _ := d.SerialNumber()
		if target.Serial == "" || serial == target.Serial {
			t.dev = d
			t.serial = serial
			continue
		}
		d.Close()
	}
	if t.dev == nil {
		if openErr != nil {
			return nil, classifyUSBError(openErr)
		}
		return nil, ErrDeviceNotFound
	}

	iface, _ := findADBInterface(t.dev.Desc)
	if err := t.dev.SetAutoDetach(true); err != nil {
		return nil, classifyUSBError(err)
	}
	if t.cfg, err = t.dev.Config(iface.config); err != nil {
		return nil, claimError(err)
	}
	if t.intf, err = t.cfg.Interface(iface.number, iface.alt); err != nil {
		return nil, claimError(err)
	}
	if t.in, err = t.intf.InEndpoint(iface.in); err != nil {
		return nil, classifyUSBError(err)
	}
	if t.out, err = t.intf.OutEndpoint(iface.out); err != nil {
		return nil, classifyUSBError(err)
	}
	t.reader = bufio.NewReaderSize(usbReader{t}, int(MaxPayload)+headerSize)
	return t, nil
}

type usbReader struct{ t *usbTransport }

func (r usbReader) Read(p []byte) (int, error) {
	return r.t.in.ReadContext(r.t.ctx, p)
}

func (t *usbTransport) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *usbTransport) Write(p []byte) (int, error) {
	return t.out.WriteContext(t.ctx, p)
}

// Close cancels pending transfers and releases the interface, config,
// device and libusb context. Safe to call more than once.
func (t *usbTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.intf != nil {
			t.intf.Close()
		}
		if t.cfg != nil {
			t.cfg.Close()
		}
		if t.dev != nil {
			t.dev.Close()
		}
		t.usb.Close()
	})
	return nil
}

func (t *usbTransport) String() string { return "usb:" + t.serial }
