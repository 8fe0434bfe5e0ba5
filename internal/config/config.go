// Package config loads the btchat configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the BTCHAT_CONFIG environment variable. Without either, Default applies.
// Fields missing from the file keep their default values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"bluetooth-chat/internal/connmgr"
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "BTCHAT_CONFIG"

// maxDiscoverableTimeout is the largest value the adapter's uint32
// seconds property can hold.
const maxDiscoverableTimeout = time.Duration(math.MaxUint32) * time.Second

// Backend selects the connmgr transport.
type Backend string

const (
	// BackendBlueZ registers an SPP profile through bluetoothd over D-Bus.
	BackendBlueZ Backend = "bluez"
	// BackendRFCOMM uses raw RFCOMM sockets on a fixed channel.
	BackendRFCOMM Backend = "rfcomm"
)

// Config is the btchat configuration.
type Config struct {
	// Adapter is the HCI adapter name, e.g. hci0.
	Adapter string `yaml:"adapter"`

	Backend Backend `yaml:"backend"`

	// ServiceName is the SDP service record name advertised when listening.
	ServiceName string `yaml:"service_name"`

	// ServiceUUID identifies the service both sides agree on.
	ServiceUUID string `yaml:"service_uuid"`

	// Channel is the RFCOMM channel (1-30).
	Channel int `yaml:"channel"`

	// ListenMode is "secure" or "insecure".
	ListenMode string `yaml:"listen_mode"`

	// ReadBuffer is the per-read buffer size in bytes.
	ReadBuffer int `yaml:"read_buffer"`

	// DiscoverableTimeout bounds how long the adapter stays visible.
	DiscoverableTimeout time.Duration `yaml:"discoverable_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Adapter:             "hci0",
		Backend:             BackendBlueZ,
		ServiceName:         "mobishare",
		ServiceUUID:         "eb87c0d0-afac-11de-8a39-0800200c9a66",
		Channel:             22,
		ListenMode:          "secure",
		ReadBuffer:          connmgr.DefaultReadBuffer,
		DiscoverableTimeout: 300 * time.Second,
		LogLevel:            "info",
	}
}

// Load reads path, or the file named by BTCHAT_CONFIG when path is empty.
// With neither set it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once. It
// normalises ServiceUUID to its canonical lowercase form.
func (c *Config) Validate() error {
	var errs []error
	if c.Adapter == "" {
		errs = append(errs, errors.New("adapter is required"))
	}
	switch c.Backend {
	case BackendBlueZ, BackendRFCOMM:
	default:
		errs = append(errs, fmt.Errorf("backend %q: want %q or %q", c.Backend, BackendBlueZ, BackendRFCOMM))
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	if u, err := uuid.Parse(c.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("service_uuid %q: %w", c.ServiceUUID, err))
	} else {
		c.ServiceUUID = u.String()
	}
	if c.Channel < 1 || c.Channel > 30 {
		errs = append(errs, fmt.Errorf("channel %d: must be within 1..30", c.Channel))
	}
	if _, err := connmgr.ParseSecurityMode(c.ListenMode); err != nil {
		errs = append(errs, fmt.Errorf("listen_mode: %w", err))
	}
	if c.ReadBuffer <= 0 {
		errs = append(errs, fmt.Errorf("read_buffer %d: must be positive", c.ReadBuffer))
	}
	if c.DiscoverableTimeout < 0 || c.DiscoverableTimeout > maxDiscoverableTimeout {
		errs = append(errs, fmt.Errorf("discoverable_timeout %s: must be within 0..%s", c.DiscoverableTimeout, maxDiscoverableTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Mode returns the parsed ListenMode. Call after Validate.
func (c *Config) Mode() connmgr.SecurityMode {
	m, _ := connmgr.ParseSecurityMode(c.ListenMode)
	return m
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
}
