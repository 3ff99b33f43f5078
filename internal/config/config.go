package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that cannot produce a usable target.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that reads and writes as "15s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DeviceConfig says how to reach the frame.
type DeviceConfig struct {
	ConnectionType string `yaml:"connection_type"`
	Serial         string `yaml:"serial,omitempty"`
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	Nickname       string `yaml:"nickname,omitempty"`
}

// Timeouts bound each stage of talking to the frame.
type Timeouts struct {
	Connect           Duration `yaml:"connect"`
	Handshake         Duration `yaml:"handshake"`
	Auth              Duration `yaml:"auth"`
	Open              Duration `yaml:"open"`
	KeepAliveInterval Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout  Duration `yaml:"keepalive_timeout"`
	Command           Duration `yaml:"command"`
}

// Backoff controls reconnection pacing.
type Backoff struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	ResetAfter Duration `yaml:"reset_after"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// RateLimit is requests per second across all callers; zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Config is the top-level configuration.
type Config struct {
	Device           DeviceConfig `yaml:"device"`
	Timeouts         Timeouts     `yaml:"timeouts"`
	Backoff          Backoff      `yaml:"backoff"`
	QueueLimit       int          `yaml:"queue_limit"`
	Server           ServerConfig `yaml:"server"`
	LogLevel         string       `yaml:"log_level"`
	KeyName          string       `yaml:"key_name,omitempty"`
	JournalRetention Duration     `yaml:"journal_retention"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{ConnectionType: string(adb.USB), Port: adb.DefaultPort},
		Timeouts: Timeouts{
			Connect:           Duration(adb.DefaultConnectTimeout),
			Handshake:         Duration(adb.DefaultHandshakeTimeout),
			Auth:              Duration(adb.DefaultAuthTimeout),
			Open:              Duration(adb.DefaultOpenTimeout),
			KeepAliveInterval: Duration(adb.DefaultKeepAliveInterval),
			KeepAliveTimeout:  Duration(adb.DefaultKeepAliveTimeout),
			Command:           Duration(15 * time.Second),
		},
		Backoff: Backoff{
			Initial:    Duration(time.Second),
			Max:        Duration(30 * time.Second),
			ResetAfter: Duration(time.Minute),
		},
		QueueLimit:       32,
		Server:           ServerConfig{Listen: ":5000", RateLimit: 10, Burst: 20},
		LogLevel:         "info",
		JournalRetention: Duration(30 * 24 * time.Hour),
	}
}

// ConfigDir returns the config directory path.
func ConfigDir() string {
	if dir := os.Getenv("FRAMEOLINK_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "frameolink")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "frameolink")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads the config file, returning defaults if it doesn't exist, and
// applies environment overrides. A .env file in the working directory is
// loaded first; variables already set win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := LoadFile(ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads one config file without consulting the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := ConfigPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. The device
// variables keep the names the Home Assistant add-on uses.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("CONNECTION_TYPE"); v != "" {
		c.Device.ConnectionType = v
	}
	if v := getenv("DEVICE_SERIAL"); v != "" {
		c.Device.Serial = v
	}
	if v := getenv("DEVICE_HOST"); v != "" {
		c.Device.Host = v
	}
	if v := getenv("DEVICE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DEVICE_PORT %q is not a number", ErrInvalid, v)
		}
		c.Device.Port = port
	}
	if v := getenv("FRAMEOLINK_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := getenv("FRAMEOLINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("FRAMEOLINK_COMMAND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: FRAMEOLINK_COMMAND_TIMEOUT: %v", ErrInvalid, err)
		}
		c.Timeouts.Command = Duration(d)
	}
	return nil
}

// Target builds the immutable device target.
func (c *Config) Target() (adb.Target, error) {
	var t adb.Target
	switch {
	case strings.EqualFold(c.Device.ConnectionType, string(adb.USB)):
		t = adb.USBTarget(c.Device.Serial)
	case strings.EqualFold(c.Device.ConnectionType, string(adb.Network)):
		port := c.Device.Port
		if port == 0 {
			port = adb.DefaultPort
		}
		t = adb.NetworkTarget(c.Device.Host, port)
	default:
		return adb.Target{}, fmt.Errorf("%w: connection_type must be USB or Network, got %q", ErrInvalid, c.Device.ConnectionType)
	}
	if err := t.Validate(); err != nil {
		return adb.Target{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return t, nil
}

// Validate checks everything a server needs before starting.
func (c *Config) Validate() error {
	if _, err := c.Target(); err != nil {
		return err
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("%w: queue_limit must be positive", ErrInvalid)
	}
	if c.Timeouts.Command <= 0 {
		return fmt.Errorf("%w: timeouts.command must be positive", ErrInvalid)
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("%w: backoff needs 0 < initial <= max", ErrInvalid)
	}
	return nil
}

// SessionOptions maps the timeouts onto session options.
func (c *Config) SessionOptions() adb.Options {
	return adb.Options{
		HandshakeTimeout:  c.Timeouts.Handshake.Std(),
		AuthTimeout:       c.Timeouts.Auth.Std(),
		OpenTimeout:       c.Timeouts.Open.Std(),
		KeepAliveInterval: c.Timeouts.KeepAliveInterval.Std(),
		KeepAliveTimeout:  c.Timeouts.KeepAliveTimeout.Std(),
	}
}

// KeyStore returns the store holding the frame-pairing key.
func (c *Config) KeyStore() *adb.FileKeyStore {
	return &adb.FileKeyStore{Dir: ConfigDir(), Name: c.keyName()}
}

func (c *Config) keyName() string {
	if c.KeyName != "" {
		return c.KeyName
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return "frameolink@" + host
}
