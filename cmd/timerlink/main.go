// Command timerlink serves a timer's state to peers over the timerlink TCP
// protocol and queries remote timers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/timerlink/config"
	"github.com/cyberinferno/timerlink/logger"
)

const serviceName = "timerlink"

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "dev" //nolint:gochecknoglobals

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Share a timer's state with peers over TCP",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Config file (.toml, .yaml or .yml)")
	config.BindFlags(rootCmd.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(configPath, cmd.Flags())
	}

	rootCmd.AddCommand(
		serveCmd(load),
		queryCmd(load),
		versionCmd(),
	)

	return rootCmd
}

type loadFunc func(cmd *cobra.Command) (*config.Config, error)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}

// newLogger logs to daily files when a log directory is configured and to
// stderr otherwise.
func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Dir != "" {
		return logger.NewZerologFileLogger(serviceName, cfg.Log.Dir, level)
	}

	return logger.NewConsoleLogger(os.Stderr, serviceName, level), nil
}
