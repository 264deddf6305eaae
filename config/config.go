// Package config holds the timerlink settings and loads them from a TOML or
// YAML file, TIMERLINK_* environment variables and command-line flags.
//
// Precedence order (highest wins):
//  1. Flags the user set explicitly
//  2. Environment variables
//  3. Config file
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/timerlink/logger"
)

const (
	// DefaultPort is the port a timer instance listens on.
	DefaultPort = 5050

	fallbackHost = "127.0.0.1"
)

// ErrInvalidConfig is matched by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Address is a host and port pair.
type Address struct {
	Host string
	Port int
}

// String returns host:port, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Duration is a time.Duration written as a string such as "1m30s" in config
// files.
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler; TOML and env values use it.
func (d *Duration) UnmarshalText(text []byte) error {
	dd, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = dd
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Config is the full timerlink configuration.
type Config struct {
	Host              string   `toml:"host" yaml:"host"`
	Port              int      `toml:"port" yaml:"port"`
	HeaderWidth       int      `toml:"header_width" yaml:"header_width"`
	MaxPayloadSize    int      `toml:"max_payload_size" yaml:"max_payload_size"`
	ReadTimeout       Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout" yaml:"write_timeout"`
	DialTimeout       Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int      `toml:"request_burst" yaml:"request_burst"`

	Log   LogConfig   `toml:"log" yaml:"log"`
	Cache CacheConfig `toml:"cache" yaml:"cache"`
}

// LogConfig selects the log level and, when Dir is set, daily log files.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	Dir   string `toml:"dir" yaml:"dir"`
}

// CacheConfig controls the snapshot cache in front of the timer state. A zero
// TTL disables caching; a RedisAddr shares the cache between instances.
type CacheConfig struct {
	TTL       Duration `toml:"ttl" yaml:"ttl"`
	RedisAddr string   `toml:"redis_addr" yaml:"redis_addr"`
	RedisKey  string   `toml:"redis_key" yaml:"redis_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:           DefaultHost(),
		Port:           DefaultPort,
		HeaderWidth:    64,
		MaxPayloadSize: 1 << 20,
		WriteTimeout:   Duration{10 * time.Second},
		DialTimeout:    Duration{10 * time.Second},
		Log: LogConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			RedisKey: "timerlink:snapshot",
		},
	}
}

// DefaultHost returns the first IPv4 address the machine's hostname resolves
// to, or 127.0.0.1 when there is none.
func DefaultHost() string {
	name, err := os.Hostname()
	if err != nil {
		return fallbackHost
	}

	addrs, err := net.LookupIP(name)
	if err != nil {
		return fallbackHost
	}

	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}

	return fallbackHost
}

// Address returns the configured host and port.
func (c *Config) Address() Address {
	return Address{Host: c.Host, Port: c.Port}
}

// Validate checks value ranges. Every error matches ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidConfig, c.Port)
	}
	if c.HeaderWidth < 1 {
		return fmt.Errorf("%w: header_width must be positive", ErrInvalidConfig)
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("%w: max_payload_size is negative", ErrInvalidConfig)
	}
	if c.ReadTimeout.Duration < 0 || c.WriteTimeout.Duration < 0 || c.DialTimeout.Duration < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 || c.RequestBurst < 0 {
		return fmt.Errorf("%w: request pacing must not be negative", ErrInvalidConfig)
	}
	if c.Cache.TTL.Duration < 0 {
		return fmt.Errorf("%w: cache.ttl is negative", ErrInvalidConfig)
	}
	if c.Cache.RedisAddr != "" && c.Cache.RedisKey == "" {
		return fmt.Errorf("%w: cache.redis_key is required with cache.redis_addr", ErrInvalidConfig)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}
