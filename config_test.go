package shmbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
prefix = "robot_"
max_nodes = 8
send_timeout = "250ms"

[service]
history_capacity = 3
full_queue_action = "discard-oldest"

[log]
level = "debug"
`), 0o644))

	t.Setenv("SHMBUS_MAX_SERVICES", "12")
	t.Setenv("SHMBUS_SERVICE_OVERFLOW", "lossy")
	t.Setenv("SHMBUS_SERVICE_HISTORY_CAPACITY", "5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "robot_", cfg.Prefix)
	assert.Equal(t, 8, cfg.MaxNodes)
	assert.Equal(t, 12, cfg.MaxServices)
	assert.Equal(t, 250*time.Millisecond, cfg.SendTimeout.Std())
	assert.Equal(t, Lossy, cfg.Service.Overflow)
	assert.Equal(t, DiscardOldest, cfg.Service.FullQueueAction)
	// the environment wins over the file
	assert.Equal(t, 5, cfg.Service.HistoryCapacity)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultConfig().MaxPublishers, cfg.MaxPublishers)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.toml")
	require.NoError(t, os.WriteFile(garbage, []byte("max_nodes = ["), 0o644))
	_, err := LoadConfig(garbage)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("SHMBUS_SERVICE_OVERFLOW", "sometimes")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigMarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prefix = "roundtrip_"
	cfg.SegmentDir = "/tmp/shmbus"
	cfg.SweepInterval = Duration(2 * time.Second)
	cfg.Service.Overflow = Lossy
	cfg.Service.FullQueueAction = Block

	data, err := cfg.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "shmbus.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty prefix", func(c *Config) { c.Prefix = "" }},
		{"no nodes", func(c *Config) { c.MaxNodes = 0 }},
		{"too many holders", func(c *Config) { c.MaxPublishers, c.MaxSubscribers = 32, 33 }},
		{"no attach slots", func(c *Config) { c.AttachSlots = 0 }},
		{"negative send timeout", func(c *Config) { c.SendTimeout = Duration(-time.Second) }},
		{"no sweep burst", func(c *Config) { c.SweepBurst = 0 }},
		{"event ids", func(c *Config) { c.Service.EventIDMax = 300 }},
		{"no buffer", func(c *Config) { c.Service.SubscriberBufferSize = 0 }},
		{"unset overflow", func(c *Config) { c.Service.Overflow = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.MaxPublishers, cfg.MaxSubscribers = 32, 32
	assert.NoError(t, cfg.Validate())
}
