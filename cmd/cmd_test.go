package cmd

import (
	"testing"
	"time"

	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"tap", "10", "20"}, "input tap 10 20"},
		{[]string{"swipe", "0", "0", "100", "0"}, "input swipe 0 0 100 0 300"},
		{[]string{"swipe", "0", "0", "100", "0", "50"}, "input swipe 0 0 100 0 50"},
		{[]string{"key", "26"}, "input keyevent 26"},
		{[]string{"launch", "net.frameo.app"}, "monkey -p net.frameo.app -c android.intent.category.LAUNCHER 1"},
		{[]string{"launch", "net.frameo.app", "MainActivity"}, "am start -n net.frameo.app/.MainActivity"},
		{[]string{"shell", "getprop", "ro.product.model"}, "getprop ro.product.model"},
		{[]string{"text", "hello", "world"}, "input text 'hello%sworld'"},
		{[]string{"brightness", "128"}, "settings put system screen_brightness 128"},
		{[]string{"state"}, "dumpsys power"},
		{[]string{"screen-on"}, "input keyevent 224"},
		{[]string{"screen-off"}, "input keyevent 223"},
	}
	for _, c := range cases {
		req, err := parseRequest(c.args)
		require.NoError(t, err, c.args)
		assert.Equal(t, c.want, req.ShellCommand(), c.args)
		assert.NotEmpty(t, req.ID)
	}
}

func TestParseRequestTCPIP(t *testing.T) {
	req, err := parseRequest([]string{"tcpip"})
	require.NoError(t, err)
	assert.Equal(t, command.KindTCPIP, req.Kind)
	assert.Equal(t, 5555, req.Port)

	req, err = parseRequest([]string{"tcpip", "5556"})
	require.NoError(t, err)
	assert.Equal(t, 5556, req.Port)
}

func TestParseRequestSwipeDuration(t *testing.T) {
	req, err := parseRequest([]string{"swipe", "1", "2", "3", "4", "750"})
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, req.Duration)
}

func TestParseRequestErrors(t *testing.T) {
	for _, args := range [][]string{
		{"tap", "10"},
		{"tap", "x", "20"},
		{"swipe", "1", "2", "3"},
		{"key"},
		{"launch"},
		{"shell"},
		{"text"},
		{"brightness", "high"},
		{"tcpip", "1", "2"},
		{"reboot"},
	} {
		_, err := parseRequest(args)
		assert.Error(t, err, args)
	}
}

func TestSetTarget(t *testing.T) {
	var dc config.DeviceConfig
	require.NoError(t, setTarget(&dc, []string{"network", "192.168.1.50:5556"}))
	assert.Equal(t, "Network", dc.ConnectionType)
	assert.Equal(t, "192.168.1.50", dc.Host)
	assert.Equal(t, 5556, dc.Port)

	require.NoError(t, setTarget(&dc, []string{"network", "frame.local"}))
	assert.Equal(t, "frame.local", dc.Host)
	assert.Equal(t, 5555, dc.Port)

	require.NoError(t, setTarget(&dc, []string{"USB", "ABC123"}))
	assert.Equal(t, "USB", dc.ConnectionType)
	assert.Equal(t, "ABC123", dc.Serial)

	assert.Error(t, setTarget(&dc, []string{"network"}))
	assert.Error(t, setTarget(&dc, []string{"network", "host:abc"}))
	assert.Error(t, setTarget(&dc, []string{"bluetooth"}))
}

func TestSessionWaitCoversPairing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timeouts.Command = config.Duration(time.Second)
	assert.Equal(t, 9*time.Second+10*time.Second+60*time.Second, sessionWait(cfg))
}
