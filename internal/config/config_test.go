package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8787
	cfg.Platform.Driver = "loopback"
	cfg.Store.Backend = "memory"
	cfg.Store.SealKey = hex.EncodeToString(make([]byte, 32))
	cfg.Throttle.QuietStartHour = 22
	cfg.Throttle.QuietEndHour = 8
	cfg.Throttle.SendRatePerMinute = 30
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "loopback", cfg.Platform.Driver)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "./herald-data", cfg.Store.Path)
	assert.Equal(t, 22, cfg.Throttle.QuietStartHour)
	assert.Equal(t, 8, cfg.Throttle.QuietEndHour)
	assert.Equal(t, 30, cfg.Throttle.SendRatePerMinute)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.AI.Provider)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9999

[store]
backend = "memory"

[ai]
provider = "ollama"
model = "llama3"
temperature = 0.7
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "ollama", cfg.AI.Provider)
	assert.Equal(t, "llama3", cfg.AI.Model)
	assert.InDelta(t, 0.7, cfg.AI.Temperature, 1e-9)

	// Keys the file does not set keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "loopback", cfg.Platform.Driver)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
backend = "badger"
`), 0644))

	t.Setenv("HERALD_STORE_BACKEND", "memory")
	t.Setenv("HERALD_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestInitConfigWritesLoadableSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.toml")
	require.NoError(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "gemini", cfg.AI.Provider)

	// Refuses to clobber an existing file.
	require.Error(t, InitConfig(path))
}

func TestSealKeyBytes(t *testing.T) {
	cfg := validConfig()
	key, err := cfg.SealKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.Store.SealKey = "not hex"
	_, err = cfg.SealKeyBytes()
	require.Error(t, err)

	cfg.Store.SealKey = "abcd"
	_, err = cfg.SealKeyBytes()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing driver",
			mutate:  func(c *Config) { c.Platform.Driver = "" },
			wantErr: "platform driver",
		},
		{
			name:    "badger without path",
			mutate:  func(c *Config) { c.Store.Backend = "badger"; c.Store.Path = "" },
			wantErr: "store path",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: "postgres_url",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: "unknown store backend",
		},
		{
			name:    "missing seal key",
			mutate:  func(c *Config) { c.Store.SealKey = "" },
			wantErr: "seal_key",
		},
		{
			name:    "short seal key",
			mutate:  func(c *Config) { c.Store.SealKey = "abcd" },
			wantErr: "32 bytes",
		},
		{
			name:    "openai without key",
			mutate:  func(c *Config) { c.AI.Provider = "openai" },
			wantErr: "api_key",
		},
		{
			name:   "ollama without key is fine",
			mutate: func(c *Config) { c.AI.Provider = "ollama" },
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.AI.Provider = "skynet" },
			wantErr: "unknown ai provider",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "quiet hour out of range",
			mutate:  func(c *Config) { c.Throttle.QuietStartHour = 24 },
			wantErr: "quiet hours",
		},
		{
			name:    "send rate not positive",
			mutate:  func(c *Config) { c.Throttle.SendRatePerMinute = 0 },
			wantErr: "send_rate_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
