// Package main is the entry point for the mail relay.
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
	root := &cobra.Command{
		Use:          "mail-relay",
		Short:        "Relay mail requests from a WebSocket channel to an SMTP relay",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newEncryptCmd(),
		newDecryptCmd(),
		newSealCmd(),
		newSinkCmd(),
	)
	return root
}
