package adb_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/adb/adbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeNetworkDevice(t *testing.T) {
	dev := &adbtest.Device{}
	target, stop, err := dev.Listen()
	require.NoError(t, err)
	defer stop()

	d, err := adb.Probe(context.Background(), target, time.Second, adb.Options{})
	require.NoError(t, err)
	assert.True(t, d.IsOnline())
	assert.Equal(t, adb.Network, d.ConnType)
	assert.Equal(t, target.Addr(), d.Serial)
	assert.Equal(t, "Frameo Frame", d.Model)
	assert.Equal(t, "frameo", d.Product)
}

func TestProbeUnauthorized(t *testing.T) {
	dev := &adbtest.Device{RequireAuth: true}
	target, stop, err := dev.Listen()
	require.NoError(t, err)
	defer stop()

	d, err := adb.Probe(context.Background(), target, time.Second, adb.Options{
		Signer:      signer(t),
		AuthTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, adb.DeviceUnauthorized, d.State)
	assert.False(t, d.IsOnline())
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = adb.Dial(context.Background(), adb.NetworkTarget("127.0.0.1", port), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, adb.ErrConnection)
	assert.ErrorIs(t, err, adb.ErrConnectionRefused)

	var cerr *adb.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, port, cerr.Target.Port)
}
