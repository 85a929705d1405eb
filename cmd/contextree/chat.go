package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/contextree/core"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one turn against the configured model",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}
	cmd.Flags().Duration("timeout", 5*time.Minute, "Turn timeout")
	cmd.Flags().Bool("show-steps", false, "Print tool calls and results")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := newModel(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}

	rt, err := newApp(ctx, cmd, cfg, m)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	res, err := rt.session.Chat(ctx, strings.Join(args, " "), nil)
	if res != nil {
		if show, _ := cmd.Flags().GetBool("show-steps"); show {
			printSteps(cmd, res.Messages)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Content)
	return nil
}

func printSteps(cmd *cobra.Command, msgs []core.Message) {
	w := cmd.ErrOrStderr()
	for _, m := range msgs {
		switch {
		case m.Role == core.RoleAssistant && m.HasToolCalls():
			for _, c := range m.ToolCalls {
				fmt.Fprintf(w, "→ %s %s\n", c.Name, c.Arguments)
			}
		case m.Role == core.RoleTool:
			fmt.Fprintf(w, "← %s %s\n", m.Name, m.Content)
		}
	}
}
