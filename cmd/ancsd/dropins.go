package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ancs/internal/config"
	"ancs/internal/registry"
	"ancs/pkg/dropin"
)

func newDropInsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dropins",
		Short: "List compiled-in drop-ins and the candidates configured for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.settings(cmd)
			if err != nil {
				return err
			}
			loader := config.NewLoader(settings.DropInDir, zap.NewNop())
			return listDropIns(cmd.OutOrStdout(), dropin.Global(), loader, settings.DropInDir)
		},
	}
}

func listDropIns(out io.Writer, catalog *dropin.Catalog, src registry.Source, dir string) error {
	entries := catalog.List()
	fmt.Fprintf(out, "%d drop-in(s) compiled in:\n\n", len(entries))

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIORITY\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\n", e.Name, e.Priority, e.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	candidates, err := registry.Candidates(src)
	if err != nil {
		return errors.Wrap(err, "failed to list candidates")
	}
	if len(candidates) == 0 {
		fmt.Fprintf(out, "\nNo candidates found in %s\n", dir)
		return nil
	}

	fmt.Fprintf(out, "\n%d candidate(s) in %s:\n\n", len(candidates), dir)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CANDIDATE\tSTATUS")
	for _, c := range candidates {
		status := "ok"
		switch _, known := catalog.Get(c.Name); {
		case c.Err != nil:
			status = fmt.Sprintf("invalid (%v)", c.Err)
		case !known:
			status = "unknown drop-in"
		}
		fmt.Fprintf(w, "%s\t%s\n", c.Name, status)
	}
	return w.Flush()
}
