package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable LoadFromEnv reads.
const EnvPrefix = "TIMERLINK_"

// ErrUnsupportedFormat is returned by LoadFile for an unknown file extension.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Load builds the effective configuration: defaults, then the file at path
// (skipped when empty), then the environment, then the flags set on fs
// (skipped when nil). The result is validated.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if fs != nil {
		if err := ApplyFlags(fs, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile decodes the TOML (.toml) or YAML (.yaml, .yml) file at path over
// cfg. Keys missing from the file keep their current value; unknown keys are
// an error.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// an empty document leaves cfg untouched
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return nil
}

// LoadFromEnv overlays TIMERLINK_* environment variables onto cfg. Only
// non-empty variables override; a value that does not parse is an error.
func LoadFromEnv(cfg *Config) error {
	setString(&cfg.Host, "HOST")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Dir, "LOG_DIR")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisKey, "REDIS_KEY")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Port, "PORT"},
		{&cfg.HeaderWidth, "HEADER_WIDTH"},
		{&cfg.MaxPayloadSize, "MAX_PAYLOAD_SIZE"},
		{&cfg.RequestBurst, "REQUEST_BURST"},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *Duration
		key string
	}{
		{&cfg.ReadTimeout, "READ_TIMEOUT"},
		{&cfg.WriteTimeout, "WRITE_TIMEOUT"},
		{&cfg.DialTimeout, "DIAL_TIMEOUT"},
		{&cfg.Cache.TTL, "CACHE_TTL"},
	}
	for _, e := range durations {
		if v := os.Getenv(EnvPrefix + e.key); v != "" {
			if err := e.dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, e.key, err)
			}
		}
	}

	if v := os.Getenv(EnvPrefix + "REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sREQUESTS_PER_SECOND: %w", EnvPrefix, err)
		}
		cfg.RequestsPerSecond = f
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}

	*dst = n
	return nil
}
