package rpc

// errors.go - JSON-RPC error codes and conversion to the wire error object.

import (
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC 2.0 and LSP error codes.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603

	CodeServerNotInitialized int64 = -32002
	CodeRequestFailed        int64 = -32803
)

var (
	// ErrIncompleteFrame means the buffer does not yet hold a whole frame.
	// Nothing was consumed; retry once more bytes have arrived.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrFrameTooLarge means a header block or body exceeds the configured limits.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrClosed is returned for calls on, or pending at the time of, a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Error is a JSON-RPC error carrying a protocol error code.
type Error struct {
	Code    int64
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with the given code. A %w verb keeps the wrapped
// error reachable through errors.Is.
func Errorf(code int64, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// ParseError reports a frame that could not be turned into a message. The
// frame is dropped but the stream stays usable.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorCode extracts the JSON-RPC code from err, whether it was produced
// locally or decoded from a peer's response. It returns 0 for nil.
func ErrorCode(err error) int64 {
	if err == nil {
		return 0
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return wire.Code
	}
	return CodeInternalError
}

// toWireError converts a handler error into the error object of a response.
func toWireError(err error) *jsonrpc.Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return &jsonrpc.Error{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return wire
	}
	return &jsonrpc.Error{Code: CodeInternalError, Message: err.Error()}
}
