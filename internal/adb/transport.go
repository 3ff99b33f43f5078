package adb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Transport is the raw byte stream to adbd. Exactly one session owns it.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	String() string
}

// DefaultConnectTimeout bounds opening a transport.
const DefaultConnectTimeout = 9 * time.Second

// Dial opens a transport to target. Failures are *ConnectionError.
func Dial(ctx context.Context, target Target, connectTimeout time.Duration) (Transport, error) {
	switch target.Type {
	case Network:
		return dialTCP(ctx, target, connectTimeout)
	case USB:
		return dialUSB(ctx, target, connectTimeout, openUSB)
	default:
		return nil, &ConnectionError{Target: target, Err: fmt.Errorf("unknown connection type %q", target.Type)}
	}
}

type tcpTransport struct {
	net.Conn
	addr string
}

func dialTCP(ctx context.Context, target Target, timeout time.Duration) (Transport, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, &ConnectionError{Target: target, Err: classifyDialError(err)}
	}
	return &tcpTransport{Conn: conn, addr: target.Addr()}, nil
}

func (t *tcpTransport) String() string { return "tcp:" + t.addr }

// dialUSB runs open, which libusb cannot interrupt, and stops waiting when
// ctx ends or the timeout passes. A transport that opens after that is
// closed.
func dialUSB(ctx context.Context, target Target, timeout time.Duration, open func(Target) (Transport, error)) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Target: target, Err: err}
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type opened struct {
		t   Transport
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		t, err := open(target)
		ch <- opened{t, err}
	}()
	select {
	case o := <-ch:
		return o.t, o.err
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.t != nil {
				o.t.Close()
			}
		}()
		return nil, &ConnectionError{Target: target, Err: classifyDialError(ctx.Err())}
	}
}

func classifyDialError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	default:
		return err
	}
}
