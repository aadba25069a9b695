package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/filestore"
	"github.com/koustreak/tsgate/internal/filestore/minio"
	"github.com/spf13/cobra"
)

func newWriteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write [flags] [FILE|-|s3://BUCKET/KEY]",
		Short: "Write line protocol from a file, stdin or object storage",
		Long: "Write line protocol from FILE, stdin, or object storage. An s3:// location\n" +
			"ending in / writes every object under that prefix, in key order.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, o)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			ctx := cmd.Context()
			if o.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, o.timeout)
				defer cancel()
			}
			payloads, err := a.readPayloads(ctx, cmd, args)
			if err != nil {
				return err
			}
			id, err := a.register(ctx, o.conn)
			if err != nil {
				return err
			}

			total, failed := 0, 0
			var last error
			for _, p := range payloads {
				res, err := a.mgr.Write(ctx, id, p.Data, o.db)
				if res != nil {
					total += res.Points
				}
				if err != nil {
					failed++
					last = err
					reportWrite(cmd, p.Key, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d points written\n", total)
			if failed > 1 {
				return fmt.Errorf("%d of %d payloads failed, last: %w", failed, len(payloads), last)
			}
			return last
		},
	}
}

// readPayloads loads the write input named by args.
func (a *app) readPayloads(ctx context.Context, cmd *cobra.Command, args []string) ([]filestore.Payload, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "read stdin", err)
		}
		return []filestore.Payload{{Key: "stdin", Data: b}}, nil
	}
	if !filestore.IsURI(args[0]) {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "read payload", err)
		}
		return []filestore.Payload{{Key: args[0], Data: b}}, nil
	}

	loc, err := filestore.ParseURI(args[0])
	if err != nil {
		return nil, err
	}
	store, err := minio.New(a.cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	a.log.DebugWith("reading payloads", map[string]interface{}{"location": loc.String()})
	return filestore.ReadPayloads(ctx, store, loc, a.cfg.ObjectStore.MaxObjectSize)
}

func reportWrite(cmd *cobra.Command, key string, err error) {
	var we *errs.WriteError
	if !errors.As(err, &we) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", key, err)
		return
	}
	for _, l := range we.Lines {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: rejected %s\n", key, l.Error())
	}
	for _, c := range we.Chunks {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: failed %s\n", key, c.Error())
	}
}
