package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/koustreak/tsgate/internal/config"
	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/manager"
	"github.com/koustreak/tsgate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// app is the process-wide state built once per command run.
type app struct {
	cfg *config.Config
	log *logger.Logger
	reg *prometheus.Registry
	mgr *manager.Manager
}

func newApp(cmd *cobra.Command, o *options) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	lc := cfg.Log
	lc.Output = cmd.ErrOrStderr()
	log := logger.New(&lc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr := manager.New(manager.Options{
		Logger:        log,
		Pool:          cfg.DefaultPool(),
		DetectTimeout: cfg.Detect.Timeout,
		Metrics:       metrics.New(reg),
	})
	return &app{cfg: cfg, log: log, reg: reg, mgr: mgr}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.mgr.Shutdown(ctx); err != nil {
		a.log.WarnWith("shutdown", err, nil)
	}
}

// register adds the named connection, or the only configured one when id
// is empty.
func (a *app) register(ctx context.Context, id string) (string, error) {
	if id == "" {
		if len(a.cfg.Connections) != 1 {
			return "", errs.New(errs.ErrKindConfiguration, "--conn is required when the config has several connections")
		}
		id = a.cfg.Connections[0].ID
	}
	cfg, err := a.cfg.Connection(id)
	if err != nil {
		return "", err
	}
	if _, err := a.mgr.Upsert(ctx, cfg); err != nil {
		return "", err
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, cols []database.Column, rows [][]database.Value) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = v.String()
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
