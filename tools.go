package main

// tools.go - the mcp command: the dictionary exposed as MCP tools over stdio.

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/sanjit/wordls/internal/config"
	"github.com/sanjit/wordls/internal/logging"
	"github.com/sanjit/wordls/internal/lsp"
	"github.com/sanjit/wordls/internal/wordlist"
)

// Tool argument types.

type completeArg struct {
	Prefix string `json:"prefix" jsonschema:"case-sensitive prefix; empty matches every word"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of words to return (1-100, default 100)"`
}

type lookupArg struct {
	Word string `json:"word" jsonschema:"the exact word to look up"`
}

func newMCPCmd() *cobra.Command {
	var configPath, dictPath string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the word list as MCP tools on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dict") {
				cfg.Dictionary = dictPath
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			server := mcp.NewServer(&mcp.Implementation{
				Name:    lsp.ServerName,
				Version: lsp.ServerVersion,
			}, nil)
			registerTools(server, wordlist.LoadOrEmpty(cfg.Dictionary, logger))

			if err := server.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&dictPath, "dict", "", "word list file (default /tmp/keywords.dict)")
	return cmd
}

// registerTools registers all MCP tools on the server.
func registerTools(server *mcp.Server, dict *wordlist.Dictionary) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "wordls_complete",
		Description: "List dictionary words starting with a prefix, in dictionary order.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args completeArg) (*mcp.CallToolResult, any, error) {
		if args.Limit < 0 || args.Limit > lsp.MaxCompletionItems {
			return errResult(fmt.Errorf("limit must be between 1 and %d", lsp.MaxCompletionItems)), nil, nil
		}
		items := lsp.Complete(dict, args.Prefix, args.Limit)
		if len(items) == 0 {
			return textResult(fmt.Sprintf("No words start with %q.", args.Prefix)), nil, nil
		}
		words := make([]string, len(items))
		for i, it := range items {
			words[i] = it.Label
		}
		return textResult(strings.Join(words, "\n")), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wordls_lookup",
		Description: "Check whether a word is in the dictionary.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args lookupArg) (*mcp.CallToolResult, any, error) {
		if args.Word == "" {
			return errResult(fmt.Errorf("word is required")), nil, nil
		}
		if dict.Contains(args.Word) {
			return textResult(fmt.Sprintf("%q is in the dictionary (%d words).", args.Word, dict.Len())), nil, nil
		}
		return textResult(fmt.Sprintf("%q is not in the dictionary (%d words).", args.Word, dict.Len())), nil, nil
	})
}

// textResult wraps text in an MCP CallToolResult.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// errResult wraps an error in an MCP CallToolResult.
func errResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: err.Error()},
		},
	}
}
