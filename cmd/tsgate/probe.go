package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/manager"
	"github.com/spf13/cobra"
)

func newProbeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Detect capabilities and test every configured connection (or --conn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, o)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			targets := a.cfg.Connections
			if o.conn != "" {
				c, err := a.cfg.Connection(o.conn)
				if err != nil {
					return err
				}
				targets = []*database.DriverConfig{c}
			}

			results := make(map[string]manager.ConnectionTestResult, len(targets))
			failed := 0
			for _, c := range targets {
				res := a.mgr.Test(cmd.Context(), c)
				results[c.ID] = res
				if !res.Success {
					failed++
				}
			}

			if o.output == "json" {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOK\tDRIVER\tVERSION\tFEATURES\tLATENCY\tERROR")
				for _, c := range targets {
					res := results[c.ID]
					var features []string
					if res.Capabilities != nil {
						for _, f := range res.Capabilities.Features() {
							features = append(features, string(f))
						}
					}
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
						c.ID, res.Success, res.Driver, res.ServerVersion, strings.Join(features, ","), res.Latency.Round(time.Millisecond), res.Error)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d connections failed", failed, len(targets))
			}
			return nil
		},
	}
}
