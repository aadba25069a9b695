// Command tsgate probes, queries and writes to InfluxDB and IoTDB servers
// through one driver layer, and can serve the same operations over HTTP.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	conn       string
	db         string
	timeout    time.Duration
	output     string
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "tsgate",
		Short:         "Multi-version time-series driver gateway for InfluxDB and IoTDB",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "tsgate.yaml", "path to the YAML config")
	root.PersistentFlags().StringVar(&o.conn, "conn", "", "connection id from the config")
	root.PersistentFlags().StringVar(&o.db, "db", "", "database, bucket or storage group")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 0, "per-operation timeout (0 uses the connection default)")
	root.PersistentFlags().StringVarP(&o.output, "output", "o", "table", "output format (table|json)")

	root.AddCommand(newProbeCmd(o))
	root.AddCommand(newQueryCmd(o))
	root.AddCommand(newWriteCmd(o))
	root.AddCommand(newServeCmd(o))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
