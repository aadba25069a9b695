package main

import (
	"fmt"
	"strings"

	"github.com/koustreak/tsgate/internal/manager"
	"github.com/spf13/cobra"
)

func newQueryCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "query [flags] QUERY",
		Short: "Run one query; the dialect is picked from the text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, o)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			id, err := a.register(cmd.Context(), o.conn)
			if err != nil {
				return err
			}
			res, err := a.mgr.Query(cmd.Context(), manager.QueryRequest{
				ConnectionID: id,
				Query:        strings.Join(args, " "),
				Database:     o.db,
				Timeout:      o.timeout,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if o.output == "json" {
				return printJSON(out, res)
			}
			if err := printTable(out, res.Columns, res.Rows); err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d rows (%s, %s)\n", res.RowCount, res.Dialect, res.ExecutionTime)
			return nil
		},
	}
}
