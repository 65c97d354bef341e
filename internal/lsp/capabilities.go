package lsp

// NegotiateCapabilities derives the advertised feature set from the server
// options and the accepted command names. The result is computed once per
// initialize and not modified afterwards.
func NegotiateCapabilities(opts Options, commands []string) ServerCapabilities {
	sync := opts.SyncKind
	if sync != SyncFull {
		sync = SyncIncremental
	}
	triggers := opts.TriggerCharacters
	if triggers == nil {
		triggers = DefaultTriggerCharacters
	}
	return ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    sync,
			Save:      &SaveOptions{IncludeText: false},
		},
		CompletionProvider: &CompletionOptions{
			ResolveProvider:   false,
			TriggerCharacters: append([]string(nil), triggers...),
		},
		ExecuteCommandProvider: &ExecuteCommandOptions{
			Commands: append([]string(nil), commands...),
		},
	}
}
