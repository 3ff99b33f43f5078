package adb

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{ closed atomic.Bool }

func (f *fakeTransport) Read([]byte) (int, error)  { return 0, errors.New("closed") }
func (f *fakeTransport) Write([]byte) (int, error) { return 0, errors.New("closed") }
func (f *fakeTransport) Close() error              { f.closed.Store(true); return nil }
func (f *fakeTransport) String() string            { return "fake" }

func TestDialUSBCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := dialUSB(ctx, USBTarget(""), time.Second, func(Target) (Transport, error) {
		called = true
		return &fakeTransport{}, nil
	})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDialUSBTimeoutClosesLateTransport(t *testing.T) {
	release := make(chan struct{})
	late := &fakeTransport{}
	begin := time.Now()
	_, err := dialUSB(context.Background(), USBTarget("ABC"), 50*time.Millisecond, func(Target) (Transport, error) {
		<-release
		return late, nil
	})
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(begin), time.Second)

	close(release)
	assert.Eventually(t, late.closed.Load, time.Second, 5*time.Millisecond)
}

func TestDialUSBPassesThrough(t *testing.T) {
	ft := &fakeTransport{}
	got, err := dialUSB(context.Background(), USBTarget(""), 0, func(Target) (Transport, error) { return ft, nil })
	require.NoError(t, err)
	assert.Same(t, ft, got)

	want := &ConnectionError{Target: USBTarget(""), Err: ErrDeviceNotFound}
	_, err = dialUSB(context.Background(), USBTarget(""), 0, func(Target) (Transport, error) { return nil, want })
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestClaimErrorIsPermission(t *testing.T) {
	// gousb reports a claim failure as plain text around the libusb code.
	raw := errors.New("failed to claim interface 1 on vid=18d1,pid=4ee7,bus=1,addr=5: libusb: device or resource busy [code -6]")
	err := &ConnectionError{Target: USBTarget(""), Err: claimError(raw)}
	assert.ErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "resource busy")
}
