package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-chat/internal/connmgr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, connmgr.Secure, cfg.Mode())
	assert.Equal(t, 22, cfg.Channel)
	assert.Equal(t, 1024, cfg.ReadBuffer)
	assert.Equal(t, 300*time.Second, cfg.DiscoverableTimeout)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: rfcomm
channel: 5
listen_mode: insecure
discoverable_timeout: 45s
service_uuid: EB87C0D0-AFAC-11DE-8A39-0800200C9A66
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendRFCOMM, cfg.Backend)
	assert.Equal(t, 5, cfg.Channel)
	assert.Equal(t, connmgr.Insecure, cfg.Mode())
	assert.Equal(t, 45*time.Second, cfg.DiscoverableTimeout)
	assert.Equal(t, "eb87c0d0-afac-11de-8a39-0800200c9a66", cfg.ServiceUUID)
	assert.Equal(t, "hci0", cfg.Adapter, "unset fields keep defaults")
	assert.Equal(t, "mobishare", cfg.ServiceName)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvVar, writeConfig(t, "adapter: hci1\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hci1", cfg.Adapter)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "channel: [1, 2\n"))
	assert.Error(t, err)
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := &Config{
		Backend:             "usb",
		ServiceUUID:         "nope",
		Channel:             31,
		ListenMode:          "open",
		ReadBuffer:          0,
		DiscoverableTimeout: -time.Second,
		LogLevel:            "loud",
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"adapter", "backend", "service_name", "service_uuid", "channel",
		"listen_mode", "read_buffer", "discoverable_timeout", "log_level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestValidateDiscoverableTimeoutRange(t *testing.T) {
	cfg := Default()
	cfg.DiscoverableTimeout = maxDiscoverableTimeout
	require.NoError(t, cfg.Validate())

	cfg.DiscoverableTimeout = maxDiscoverableTimeout + time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discoverable_timeout")
}
