// Command nukactl drives a running nuka loop over its HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var server string
	root := &cobra.Command{
		Use:          "nukactl",
		Short:        "Control a running Nuka decision loop",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("NUKA_SERVER", "http://localhost:3210"), "Nuka server URL")

	c := func() *client { return newClient(server) }
	root.AddCommand(statusCmd(c))
	root.AddCommand(startCmd(c))
	root.AddCommand(stopCmd(c))
	root.AddCommand(stepCmd(c))
	root.AddCommand(modeCmd(c))
	root.AddCommand(eventsCmd(c))
	root.AddCommand(knowledgeCmd(c))
	root.AddCommand(actionsCmd(c))
	root.AddCommand(tasksCmd(c))
	root.AddCommand(resetCmd(c))
	root.AddCommand(providersCmd(c))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
