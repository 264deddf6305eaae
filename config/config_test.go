package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAddress_String(t *testing.T) {
	assert.Equal(t, "192.168.1.20:5050", Address{Host: "192.168.1.20", Port: 5050}.String())
	assert.Equal(t, "[::1]:5050", Address{Host: "::1", Port: 5050}.String())
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 64, cfg.HeaderWidth)
	assert.Equal(t, 1<<20, cfg.MaxPayloadSize)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout.Duration)
	assert.Zero(t, cfg.ReadTimeout.Duration)
	assert.Zero(t, cfg.Cache.TTL.Duration)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Address{Host: cfg.Host, Port: DefaultPort}, cfg.Address())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"header width", func(c *Config) { c.HeaderWidth = 0 }},
		{"negative payload", func(c *Config) { c.MaxPayloadSize = -1 }},
		{"negative timeout", func(c *Config) { c.ReadTimeout.Duration = -time.Second }},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"negative ttl", func(c *Config) { c.Cache.TTL.Duration = -time.Second }},
		{"redis without key", func(c *Config) { c.Cache.RedisAddr = "localhost:6379"; c.Cache.RedisKey = "" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Run("toml", func(t *testing.T) {
		path := writeFile(t, "timerlink.toml", `
host = "10.0.0.7"
port = 6060
read_timeout = "30s"
requests_per_second = 5.5

[log]
level = "debug"

[cache]
ttl = "250ms"
`)
		cfg := Default()
		require.NoError(t, LoadFile(path, cfg))

		assert.Equal(t, "10.0.0.7", cfg.Host)
		assert.Equal(t, 6060, cfg.Port)
		assert.Equal(t, 30*time.Second, cfg.ReadTimeout.Duration)
		assert.Equal(t, 5.5, cfg.RequestsPerSecond)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 250*time.Millisecond, cfg.Cache.TTL.Duration)
		// untouched keys keep their defaults
		assert.Equal(t, 64, cfg.HeaderWidth)
		assert.Equal(t, 10*time.Second, cfg.WriteTimeout.Duration)
	})

	t.Run("yaml", func(t *testing.T) {
		path := writeFile(t, "timerlink.yml", `
host: 10.0.0.8
port: 7070
write_timeout: 2s
cache:
  redis_addr: localhost:6379
  redis_key: pomodoro
`)
		cfg := Default()
		require.NoError(t, LoadFile(path, cfg))

		assert.Equal(t, "10.0.0.8", cfg.Host)
		assert.Equal(t, 7070, cfg.Port)
		assert.Equal(t, 2*time.Second, cfg.WriteTimeout.Duration)
		assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
		assert.Equal(t, "pomodoro", cfg.Cache.RedisKey)
	})

	t.Run("empty yaml keeps defaults", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, LoadFile(writeFile(t, "empty.yaml", ""), cfg))
		assert.Equal(t, DefaultPort, cfg.Port)
	})

	t.Run("unknown toml key", func(t *testing.T) {
		err := LoadFile(writeFile(t, "bad.toml", "colour = \"red\"\n"), Default())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "colour")
	})

	t.Run("unknown yaml key", func(t *testing.T) {
		assert.Error(t, LoadFile(writeFile(t, "bad.yaml", "colour: red\n"), Default()))
	})

	t.Run("bad duration", func(t *testing.T) {
		assert.Error(t, LoadFile(writeFile(t, "bad.toml", "read_timeout = \"soon\"\n"), Default()))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		assert.ErrorIs(t, LoadFile(writeFile(t, "timerlink.json", "{}"), Default()), ErrUnsupportedFormat)
	})

	t.Run("missing file", func(t *testing.T) {
		assert.ErrorIs(t, LoadFile(filepath.Join(t.TempDir(), "nope.toml"), Default()), os.ErrNotExist)
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("overlays set variables", func(t *testing.T) {
		t.Setenv("TIMERLINK_HOST", "10.1.1.1")
		t.Setenv("TIMERLINK_PORT", "5151")
		t.Setenv("TIMERLINK_READ_TIMEOUT", "45s")
		t.Setenv("TIMERLINK_REQUESTS_PER_SECOND", "2")
		t.Setenv("TIMERLINK_LOG_LEVEL", "warn")
		t.Setenv("TIMERLINK_CACHE_TTL", "1s")

		cfg := Default()
		require.NoError(t, LoadFromEnv(cfg))

		assert.Equal(t, "10.1.1.1", cfg.Host)
		assert.Equal(t, 5151, cfg.Port)
		assert.Equal(t, 45*time.Second, cfg.ReadTimeout.Duration)
		assert.Equal(t, 2.0, cfg.RequestsPerSecond)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, time.Second, cfg.Cache.TTL.Duration)
		assert.Equal(t, 64, cfg.HeaderWidth)
	})

	t.Run("rejects bad numbers", func(t *testing.T) {
		t.Setenv("TIMERLINK_PORT", "fifty")
		err := LoadFromEnv(Default())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TIMERLINK_PORT")
	})

	t.Run("rejects bad durations", func(t *testing.T) {
		t.Setenv("TIMERLINK_DIAL_TIMEOUT", "later")
		assert.Error(t, LoadFromEnv(Default()))
	})
}

func TestApplyFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	fs.String("config", "", "")

	require.NoError(t, fs.Parse([]string{"--port", "6000", "--read-timeout=5s", "--redis-addr", "cache:6379", "--config", "x.toml"}))

	cfg := Default()
	cfg.Host = "from-file"
	require.NoError(t, ApplyFlags(fs, cfg))

	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout.Duration)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
	// unset flags leave earlier layers alone
	assert.Equal(t, "from-file", cfg.Host)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "timerlink.toml", `
host = "file-host"
port = 6001
header_width = 32
`)
	t.Setenv("TIMERLINK_PORT", "6002")
	t.Setenv("TIMERLINK_HEADER_WIDTH", "48")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--header-width", "16"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "file-host", cfg.Host)
	assert.Equal(t, 6002, cfg.Port)
	assert.Equal(t, 16, cfg.HeaderWidth)

	t.Run("invalid result is rejected", func(t *testing.T) {
		t.Setenv("TIMERLINK_PORT", "0")
		_, err := Load("", nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}
