package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(o *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register the configured connections and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, c := range a.cfg.Connections {
				if _, err := a.mgr.Upsert(ctx, c); err != nil {
					a.log.WarnWith("connection not registered", err, map[string]interface{}{logger.FieldConnectionID: c.ID})
				}
			}

			addr := a.cfg.ListenAddr()
			if listen != "" {
				addr = listen
			}
			srv := server.New(a.mgr, server.Options{Logger: a.log, Gatherer: a.reg})
			serveErr := srv.ListenAndServe(ctx, addr)

			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			a.close(sctx)
			return serveErr
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}
