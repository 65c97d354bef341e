package lsp

// commands.go - workspace/executeCommand: the server-side command set.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sanjit/wordls/internal/rpc"
)

// Client is the server's view of the connected editor.
type Client interface {
	Notify(ctx context.Context, method string, params any) error
	Call(ctx context.Context, method string, params, result any) error
}

const (
	CommandNotification = "custom.notification"
	CommandApplyEdit    = "custom.applyEdit"

	applyEditLabel = "wordls edit"
)

// DefaultNotification is pushed by custom.notification when no argument
// overrides it.
var DefaultNotification = CustomNotificationParams{
	Title:       "Hello Notification",
	Message:     "This is a test message",
	Description: "This is a description",
}

type commandFunc func(ctx context.Context, args []json.RawMessage) error

// CommandExecutor runs the closed set of commands advertised in
// executeCommandProvider.
type CommandExecutor struct {
	client   Client
	logger   *zap.Logger
	commands map[string]commandFunc
}

func NewCommandExecutor(client Client, logger *zap.Logger) *CommandExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &CommandExecutor{client: client, logger: logger}
	e.commands = map[string]commandFunc{
		CommandNotification: e.notification,
		CommandApplyEdit:    e.applyEdit,
	}
	return e
}

// CommandNames returns the accepted command names, sorted.
func (e *CommandExecutor) CommandNames() []string {
	names := make([]string, 0, len(e.commands))
	for name := range e.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a command. An unknown name is an InvalidRequest error with no
// side effect. A known command reports a null result once dispatched.
func (e *CommandExecutor) Execute(ctx context.Context, params ExecuteCommandParams) (any, error) {
	fn, ok := e.commands[params.Command]
	if !ok {
		return nil, rpc.Errorf(rpc.CodeInvalidRequest, "%w: %q", ErrUnknownCommand, params.Command)
	}
	if err := fn(ctx, params.Arguments); err != nil {
		return nil, err
	}
	return nil, nil
}

func (e *CommandExecutor) notification(ctx context.Context, args []json.RawMessage) error {
	payload := DefaultNotification
	if len(args) > 0 {
		var override CustomNotificationParams
		if err := json.Unmarshal(args[0], &override); err == nil {
			if override.Title != "" {
				payload.Title = override.Title
			}
			if override.Message != "" {
				payload.Message = override.Message
			}
			if override.Description != "" {
				payload.Description = override.Description
			}
		}
	}
	if err := e.client.Notify(ctx, methodCustomNotification, payload); err != nil {
		return rpc.Errorf(rpc.CodeRequestFailed, "send %s: %w", methodCustomNotification, err)
	}
	logMessage(ctx, e.client, e.logger, MessageInfo, fmt.Sprintf("command executed: %s", CommandNotification))
	return nil
}

// applyEdit asks the client to apply a workspace edit. The outcome is only
// logged; the command itself succeeds either way.
func (e *CommandExecutor) applyEdit(ctx context.Context, args []json.RawMessage) error {
	params := ApplyWorkspaceEditParams{Label: applyEditLabel}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &params.Edit); err != nil {
			return rpc.Errorf(rpc.CodeInvalidParams, "%s: workspace edit argument: %v", CommandApplyEdit, err)
		}
	}
	logMessage(ctx, e.client, e.logger, MessageInfo, fmt.Sprintf("command executed: %s", CommandApplyEdit))

	var res ApplyWorkspaceEditResult
	switch err := e.client.Call(ctx, methodApplyEdit, params, &res); {
	case err != nil:
		e.logger.Warn("apply edit failed", zap.Error(err))
		logMessage(ctx, e.client, e.logger, MessageError, fmt.Sprintf("apply edit: %v", err))
	case res.Applied:
		logMessage(ctx, e.client, e.logger, MessageInfo, "applied")
	case res.FailureReason != "":
		logMessage(ctx, e.client, e.logger, MessageInfo, "rejected: "+res.FailureReason)
	default:
		logMessage(ctx, e.client, e.logger, MessageInfo, "rejected")
	}
	return nil
}

// logMessage sends window/logMessage. Failures are logged locally only.
func logMessage(ctx context.Context, client Client, logger *zap.Logger, typ MessageType, msg string) {
	if err := client.Notify(ctx, methodLogMessage, LogMessageParams{Type: typ, Message: msg}); err != nil {
		logger.Debug("log notification not delivered", zap.String("message", msg), zap.Error(err))
	}
}
