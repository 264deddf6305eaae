package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/timerlink/config"
	"github.com/cyberinferno/timerlink/protocol"
	"github.com/cyberinferno/timerlink/tcpclient"
)

func queryCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "query [REQUEST...]",
		Short: "Ask a remote timer for its state",
		Long: "Connects to --host:--port, sends each request and prints the reply.\n" +
			"Without arguments it asks for " + protocol.Timer + ".",
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

			if len(args) == 0 {
				args = []string{protocol.Timer}
			}

			client := tcpclient.NewClient(clientConfig(cfg), log)
			if err := client.Connect(); err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			for _, req := range args {
				reply, err := client.Send(req)
				if err != nil {
					return fmt.Errorf("%s: %w", req, err)
				}
				if req == protocol.Disconnect {
					return nil
				}
				fmt.Fprintf(out, "%s\t%s\n", req, reply)
			}

			return client.Disconnect()
		},
	}
}

func clientConfig(cfg *config.Config) tcpclient.Config {
	c := tcpclient.DefaultConfig(cfg.Address().String())
	c.ConnectionTimeout = cfg.DialTimeout.Duration
	c.WriteTimeout = cfg.WriteTimeout.Duration
	c.ReadTimeout = cfg.ReadTimeout.Duration
	c.HeaderWidth = cfg.HeaderWidth
	c.MaxPayloadSize = cfg.MaxPayloadSize
	return c
}
