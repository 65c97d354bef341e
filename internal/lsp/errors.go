package lsp

import "errors"

var (
	// ErrDocumentNotFound is returned for change, save and close on a uri
	// that is not open.
	ErrDocumentNotFound = errors.New("document not found")

	ErrUnknownCommand = errors.New("unknown command")

	ErrNotInitialized = errors.New("server not initialized")

	// ErrExitWithoutShutdown is returned by Serve when the client sent exit
	// without a successful shutdown first.
	ErrExitWithoutShutdown = errors.New("exit received before shutdown")
)
