package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/redteam/internal/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Error("close", "error", err)
				}
			}()

			if addr == "" {
				addr = a.cfg.ListenAddr
			}
			a.logger.Info("redteam: starting",
				"listen_addr", addr,
				"db_driver", a.cfg.DB.Driver,
				"workers", a.cfg.Engine.Workers,
			)

			srv := api.NewServer(addr, a.engine, a.targets, a.logger,
				api.WithWriteTimeout(a.cfg.HTTPWriteTimeout))
			return srv.Run()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides REDTEAM_LISTEN_ADDR)")
	return cmd
}
