package config

import (
	"github.com/spf13/pflag"
)

// Flag names registered by BindFlags.
const (
	FlagHost              = "host"
	FlagPort              = "port"
	FlagHeaderWidth       = "header-width"
	FlagMaxPayloadSize    = "max-payload-size"
	FlagReadTimeout       = "read-timeout"
	FlagWriteTimeout      = "write-timeout"
	FlagDialTimeout       = "dial-timeout"
	FlagRequestsPerSecond = "requests-per-second"
	FlagRequestBurst      = "request-burst"
	FlagLogLevel          = "log-level"
	FlagLogDir            = "log-dir"
	FlagCacheTTL          = "cache-ttl"
	FlagRedisAddr         = "redis-addr"
	FlagRedisKey          = "redis-key"
)

// BindFlags registers one override flag per setting on fs, showing the
// built-in defaults in the usage text. Only flags the user sets are applied
// by ApplyFlags, so unset flags never mask file or env values.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	// ── connection ───────────────────────────────────────────────
	fs.StringP(FlagHost, "H", d.Host, "Host to listen on or connect to")
	fs.IntP(FlagPort, "p", d.Port, "TCP port")
	fs.Int(FlagHeaderWidth, d.HeaderWidth, "Frame header width in bytes (must match the peer)")
	fs.Int(FlagMaxPayloadSize, d.MaxPayloadSize, "Largest accepted payload in bytes")
	fs.Duration(FlagReadTimeout, d.ReadTimeout.Duration, "Per-frame read timeout (0 waits forever)")
	fs.Duration(FlagWriteTimeout, d.WriteTimeout.Duration, "Per-frame write timeout (0 waits forever)")
	fs.Duration(FlagDialTimeout, d.DialTimeout.Duration, "Connect timeout")
	fs.Float64(FlagRequestsPerSecond, d.RequestsPerSecond, "Per-connection request rate (0 disables pacing)")
	fs.Int(FlagRequestBurst, d.RequestBurst, "Per-connection request burst")

	// ── logging ──────────────────────────────────────────────────
	fs.String(FlagLogLevel, d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String(FlagLogDir, d.Log.Dir, "Write daily log files to this directory")

	// ── cache ────────────────────────────────────────────────────
	fs.Duration(FlagCacheTTL, d.Cache.TTL.Duration, "Cache state snapshots for this long (0 disables)")
	fs.String(FlagRedisAddr, d.Cache.RedisAddr, "Share the snapshot cache through this Redis server")
	fs.String(FlagRedisKey, d.Cache.RedisKey, "Redis key holding the shared snapshot")
}

// ApplyFlags copies every flag the user set on fs onto cfg. Flags not
// registered by BindFlags are ignored.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		var err error

		switch f.Name {
		case FlagHost:
			cfg.Host, err = fs.GetString(f.Name)
		case FlagPort:
			cfg.Port, err = fs.GetInt(f.Name)
		case FlagHeaderWidth:
			cfg.HeaderWidth, err = fs.GetInt(f.Name)
		case FlagMaxPayloadSize:
			cfg.MaxPayloadSize, err = fs.GetInt(f.Name)
		case FlagReadTimeout:
			cfg.ReadTimeout.Duration, err = fs.GetDuration(f.Name)
		case FlagWriteTimeout:
			cfg.WriteTimeout.Duration, err = fs.GetDuration(f.Name)
		case FlagDialTimeout:
			cfg.DialTimeout.Duration, err = fs.GetDuration(f.Name)
		case FlagRequestsPerSecond:
			cfg.RequestsPerSecond, err = fs.GetFloat64(f.Name)
		case FlagRequestBurst:
			cfg.RequestBurst, err = fs.GetInt(f.Name)
		case FlagLogLevel:
			cfg.Log.Level, err = fs.GetString(f.Name)
		case FlagLogDir:
			cfg.Log.Dir, err = fs.GetString(f.Name)
		case FlagCacheTTL:
			cfg.Cache.TTL.Duration, err = fs.GetDuration(f.Name)
		case FlagRedisAddr:
			cfg.Cache.RedisAddr, err = fs.GetString(f.Name)
		case FlagRedisKey:
			cfg.Cache.RedisKey, err = fs.GetString(f.Name)
		}

		keep(err)
	})

	return firstErr
}
