// Command rbroker runs an R session broker and inspects running ones.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rbroker",
		Short:        "R session broker",
		Long:         "rbroker starts R host processes on request and serves their message pipes over HTTP and WebSocket.",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newInfoCmd(),
		newSessionsCmd(),
		newTopCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}
