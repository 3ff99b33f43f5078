package adb

import (
	"context"
	"errors"
	"time"
)

// Device states, as `adb devices` reports them.
const (
	DeviceOnline       = "device"
	DeviceUnauthorized = "unauthorized"
	DeviceNoPermission = "no permissions"
	DeviceOffline      = "offline"
)

// Device is a frame seen on the USB bus or probed over the network.
type Device struct {
	Target   Target
	Serial   string
	State    string
	ConnType ConnectionType
	Model    string
	Product  string
}

// IsOnline returns true if the device completed the handshake.
func (d Device) IsOnline() bool {
	return d.State == DeviceOnline
}

// Probe connects to t, reads the device banner and disconnects. A device
// that will not accept our key, or that another process holds, is reported
// through State rather than as an error.
func Probe(ctx context.Context, t Target, connectTimeout time.Duration, opts Options) (Device, error) {
	d := Device{Target: t, Serial: t.Serial, ConnType: t.Type, State: DeviceOffline}
	if t.Type == Network {
		d.Serial = t.Addr()
	}
	// Probing never waits on the approval dialog.
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	opts.KeepAliveInterval = -1

	tr, err := Dial(ctx, t, connectTimeout)
	if err != nil {
		if errors.Is(err, ErrPermission) {
			d.State = DeviceNoPermission
			return d, nil
		}
		return d, err
	}
	s, err := Connect(ctx, tr, opts)
	if err != nil {
		if errors.Is(err, ErrAuthTimeout) {
			d.State = DeviceUnauthorized
			return d, nil
		}
		return d, err
	}
	defer s.Close()

	b := s.Banner()
	d.State = b.State
	if b.Serial != "" {
		d.Serial = b.Serial
	}
	d.Model = b.Model()
	d.Product = b.Product()
	return d, nil
}

// Devices probes every attached USB device that exposes an ADB interface.
// Devices that fail to answer are listed as offline.
func Devices(ctx context.Context, connectTimeout time.Duration, opts Options) ([]Device, error) {
	usb, err := ListUSB()
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, u := range usb {
		d, err := Probe(ctx, USBTarget(u.Serial), connectTimeout, opts)
		if err != nil {
			opts.Logger.Debug().Err(err).Str("serial", u.Serial).Msg("Probe failed")
			d.State = DeviceOffline
		}
		if d.Product == "" {
			d.Product = u.Product
		}
		devices = append(devices, d)
	}
	return devices, nil
}
