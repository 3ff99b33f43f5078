package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, adb.USBTarget(""), target)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Command.Std())
	assert.Equal(t, adb.DefaultConnectTimeout, cfg.Timeouts.Connect.Std())
	assert.Equal(t, 9*time.Second, cfg.Timeouts.Connect.Std())
}

func TestApplyEnvNetwork(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"CONNECTION_TYPE": "Network",
		"DEVICE_HOST":     "192.168.1.40",
		"DEVICE_PORT":     "5556",
	})))

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, adb.NetworkTarget("192.168.1.40", 5556), target)
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(env(map[string]string{"DEVICE_PORT": "fifty"}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTargetErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.ConnectionType = "Bluetooth"
	_, err := cfg.Target()
	assert.ErrorIs(t, err, ErrInvalid)

	cfg.Device.ConnectionType = "Network"
	cfg.Device.Host = ""
	_, err = cfg.Target()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestValidateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLimit = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = DefaultConfig()
	cfg.Backoff.Max = Duration(time.Millisecond)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestSaveAndLoad(t *testing.T) {
	t.Setenv("FRAMEOLINK_CONFIG_DIR", t.TempDir())

	cfg := DefaultConfig()
	cfg.Device = DeviceConfig{ConnectionType: "Network", Host: "frame.local", Port: 5555, Nickname: "kitchen"}
	cfg.Timeouts.Command = Duration(20 * time.Second)
	require.NoError(t, Save(cfg))

	data, err := os.ReadFile(ConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "command: 20s")

	loaded, err := LoadFile(ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  command: soon\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadAppliesDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FRAMEOLINK_CONFIG_DIR", dir)
	t.Chdir(dir)
	// t.Setenv restores the variables that godotenv sets below.
	for _, k := range []string{"CONNECTION_TYPE", "DEVICE_HOST"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	require.NoError(t, os.WriteFile(".env", []byte("CONNECTION_TYPE=Network\nDEVICE_HOST=10.0.0.9\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, adb.NetworkTarget("10.0.0.9", adb.DefaultPort), target)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 8)
	go Watch(ctx, path, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case got <- cfg:
		default:
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			// A write can surface as several events; wait for the final content.
			if cfg.LogLevel == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no reload")
		}
	}
}
