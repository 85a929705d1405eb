package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hupe1980/contextree/tree"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Render the configured tree and print the resulting context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := newApp(ctx, cmd, cfg, nil)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			printInspect(cmd.OutOrStdout(), rt)
			return nil
		},
	}
}

func printInspect(w io.Writer, rt *app) {
	snap := rt.session.Registry().Snapshot()

	fmt.Fprintln(w, "== system prompt")
	if snap.SystemPrompt == "" {
		fmt.Fprintln(w, "(empty)")
	} else {
		fmt.Fprintln(w, snap.SystemPrompt)
	}

	fmt.Fprintln(w, "\n== tools")
	if len(snap.Tools) == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for _, t := range snap.Tools {
		fmt.Fprintf(w, "- %s: %s\n", t.Name(), t.Description())
	}

	fmt.Fprintln(w, "\n== nodes")
	for _, e := range rt.session.Committed().Entries() {
		fmt.Fprintf(w, "%-8s %-32s %s\n", status(e), e.Key, e.Path)
		if e.Err != nil {
			fmt.Fprintf(w, "         error: %v\n", e.Err)
		}
	}

	fmt.Fprintln(w, "\n== registry")
	fmt.Fprint(w, rt.session.Registry().Describe())
}

func status(e tree.Entry) string {
	switch {
	case e.Active:
		return "active"
	case e.Err != nil:
		return "failed"
	}
	return "inactive"
}
