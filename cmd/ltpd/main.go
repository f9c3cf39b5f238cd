package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ltpd",
		Short: "LTP session node",
		Long: `ltpd is the LTP (Link/Thread Protocol) node: a duplex session server
that authenticates clients, tracks per-session orientation state, answers
route requests, and records every frame into a tamper-evident trace log.

Configuration comes from LTP_* environment variables: LTP_ADDR,
LTP_METRICS_ADDR, LTP_MAX_CONNECTIONS, LTP_MAX_MESSAGE_BYTES,
LTP_AUTH_MODE, LTP_AUTH_KEYS_FILE, LTP_AUDIT_LOG_FILE,
LTP_NODE_SIGNING_KEY, and friends. Every key has a default.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ltpd %s (%s)\n", version, commit)
		},
	}
}
