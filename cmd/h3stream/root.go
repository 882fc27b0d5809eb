package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "h3stream",
		Short: "HTTP/3 request streams over a multiplexed TCP transport",
		Long: `h3stream serves HTTP/3 request streams (HEADERS and DATA frames with
QPACK header blocks) carried over TCP by a simple stream multiplexing shim.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRequestCmd(), newBenchCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the h3stream version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("h3stream version " + version + "\n"))
			return err
		},
	}
}
