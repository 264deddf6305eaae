package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/timerlink/config"
	"github.com/cyberinferno/timerlink/logger"
	"github.com/cyberinferno/timerlink/protocol"
	"github.com/cyberinferno/timerlink/statecache"
	"github.com/cyberinferno/timerlink/tcpserver"
	"github.com/cyberinferno/timerlink/timerstate"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(load loadFunc) *cobra.Command {
	var (
		work       time.Duration
		shortBreak time.Duration
		tasks      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a work/break session and serve its state until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			countdown := timerstate.NewCountdown(timerstate.PhaseWork, work, tasks)

			provider, closeCache, err := stateProvider(cmd.Context(), cfg, countdown, log)
			if err != nil {
				return err
			}
			defer closeCache()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go runSession(ctx, countdown, work, shortBreak, log)

			return serve(ctx, cfg, provider, log)
		},
	}

	cmd.Flags().DurationVar(&work, "work", 25*time.Minute, "Length of each work phase")
	cmd.Flags().DurationVar(&shortBreak, "break", 5*time.Minute, "Length of the break after each task")
	cmd.Flags().IntVar(&tasks, "tasks", 4, "Number of tasks in the session")

	return cmd
}

// runSession advances the countdown through its tasks. Peers keep seeing the
// final state after the last task until the server stops.
func runSession(ctx context.Context, countdown *timerstate.Countdown, work, shortBreak time.Duration, log logger.Logger) {
	if err := countdown.Run(ctx, work, shortBreak); err != nil {
		return
	}

	log.Info("all tasks done")
}

// serve runs a server until ctx ends or the server stops by itself.
func serve(ctx context.Context, cfg *config.Config, provider protocol.StateProvider, log logger.Logger) error {
	server := tcpserver.NewServer(serverConfig(cfg), provider, log)
	if err := server.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-server.Done():
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}

func serverConfig(cfg *config.Config) tcpserver.Config {
	return tcpserver.Config{
		Name:              serviceName,
		Addr:              cfg.Address().String(),
		HeaderWidth:       cfg.HeaderWidth,
		MaxPayloadSize:    cfg.MaxPayloadSize,
		ReadTimeout:       cfg.ReadTimeout.Duration,
		WriteTimeout:      cfg.WriteTimeout.Duration,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	}
}

// stateProvider puts the configured cache, if any, in front of source. The
// returned func releases cache resources.
func stateProvider(
	ctx context.Context,
	cfg *config.Config,
	source protocol.StateProvider,
	log logger.Logger,
) (protocol.StateProvider, func(), error) {
	ttl := cfg.Cache.TTL.Duration

	switch {
	case cfg.Cache.RedisAddr != "":
		if ttl == 0 {
			ttl = time.Second
		}

		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Cache.RedisAddr, err)
		}

		log.Info("sharing state through redis",
			logger.Field{Key: "addr", Value: cfg.Cache.RedisAddr},
			logger.Field{Key: "key", Value: cfg.Cache.RedisKey},
			logger.Field{Key: "ttl", Value: ttl.String()},
		)

		cacher := statecache.NewRedisCacher[protocol.Snapshot](client)
		return statecache.NewCachedProvider(source, cacher, cfg.Cache.RedisKey, ttl), func() { _ = client.Close() }, nil

	case ttl > 0:
		cacher := statecache.NewMemoryCacher[protocol.Snapshot](ttl, 10*ttl)
		return statecache.NewCachedProvider(source, cacher, cfg.Cache.RedisKey, ttl), func() {}, nil

	default:
		return source, func() {}, nil
	}
}
