package adb

import (
	"fmt"
	"net"
	"strconv"
)

// ConnectionType indicates how the device is reached.
type ConnectionType string

const (
	USB     ConnectionType = "USB"
	Network ConnectionType = "Network"
)

// DefaultPort is the port adbd listens on in TCP mode.
const DefaultPort = 5555

// Target describes how to reach the device. It is built once from
// configuration and never mutated.
type Target struct {
	Type   ConnectionType
	Serial string // USB only; empty means first available device
	Host   string // Network only
	Port   int    // Network only
}

// USBTarget returns a target for a USB device with the given serial.
func USBTarget(serial string) Target {
	return Target{Type: USB, Serial: serial}
}

// NetworkTarget returns a target for adbd listening on host:port.
func NetworkTarget(host string, port int) Target {
	return Target{Type: Network, Host: host, Port: port}
}

// Validate reports whether the target is usable.
func (t Target) Validate() error {
	switch t.Type {
	case USB:
		return nil
	case Network:
		if t.Host == "" {
			return fmt.Errorf("network target needs a host")
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("network target port %d out of range", t.Port)
		}
		return nil
	default:
		return fmt.Errorf("unknown connection type %q", t.Type)
	}
}

// Addr returns host:port for network targets.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	switch t.Type {
	case USB:
		if t.Serial == "" {
			return "usb:any"
		}
		return "usb:" + t.Serial
	case Network:
		return "tcp:" + t.Addr()
	default:
		return "unknown"
	}
}
