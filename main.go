package main

// main.go - entrypoint: the wordls command tree.

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanjit/wordls/internal/lsp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, lsp.ErrExitWithoutShutdown) {
			fmt.Fprintln(os.Stderr, "wordls:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags serveFlags
	root := &cobra.Command{
		Use:           "wordls",
		Short:         "Dictionary completion language server",
		Long:          "wordls serves completions from a word list over the Language Server Protocol.\nWith no subcommand it runs serve.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &flags)
		},
	}
	flags.register(root)

	root.AddCommand(newServeCmd(), newMCPCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", lsp.ServerName, lsp.ServerVersion)
		},
	}
}
