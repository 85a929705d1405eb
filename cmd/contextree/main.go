// Command contextree renders a declarative context tree from a YAML file and
// chats with a model against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "contextree",
		Short:        "Declarative, state-driven context for LLM agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "contextree.yaml", "Path to the config file")
	root.PersistentFlags().StringArray("set", nil, "Override a state key (repeatable, key=value)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("no-servers", false, "Do not connect external tool servers")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("contextree version %s\n", version))

	root.AddCommand(newChatCmd())
	root.AddCommand(newInspectCmd())
	return root
}
