package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sanjit/wordls/internal/rpc"
	"github.com/sanjit/wordls/internal/wordlist"
)

const testTimeout = 5 * time.Second

// harness drives a Server through an in-memory pipe, playing the editor.
type harness struct {
	t      *testing.T
	server *Server
	client *rpc.Conn
	notes  chan *jsonrpc.Request

	mu        sync.Mutex
	applyEdit func(params ApplyWorkspaceEditParams) (any, error)
	edits     []ApplyWorkspaceEditParams

	served   chan struct{}
	serveErr error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t).Named("server")
	}
	a, b := net.Pipe()
	h := &harness{
		t:      t,
		server: NewServer(opts),
		notes:  make(chan *jsonrpc.Request, 256),
		served: make(chan struct{}),
		applyEdit: func(ApplyWorkspaceEditParams) (any, error) {
			return ApplyWorkspaceEditResult{Applied: true}, nil
		},
	}
	h.client = rpc.NewConn(b, rpc.HandlerFunc(h.handleClient), rpc.ConnOptions{Logger: zaptest.NewLogger(t).Named("client")})

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(h.served)
		h.serveErr = h.server.Serve(ctx, a)
	}()
	go func() {
		defer close(clientDone)
		h.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		h.client.Close()
		<-h.served
		<-clientDone
	})
	return h
}

func (h *harness) handleClient(ctx context.Context, req *jsonrpc.Request) (any, error) {
	if req.Method == methodApplyEdit {
		var p ApplyWorkspaceEditParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.edits = append(h.edits, p)
		fn := h.applyEdit
		h.mu.Unlock()
		return fn(p)
	}
	if !req.IsCall() {
		h.notes <- req
	}
	return nil, nil
}

func (h *harness) call(method string, params, result any) error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return h.client.Call(ctx, method, params, result)
}

func (h *harness) notify(method string, params any) {
	h.t.Helper()
	require.NoError(h.t, h.client.Notify(context.Background(), method, params))
}

func (h *harness) initialize() InitializeResult {
	h.t.Helper()
	var res InitializeResult
	require.NoError(h.t, h.call("initialize", map[string]any{
		"processId":    nil,
		"clientInfo":   map[string]string{"name": "harness"},
		"capabilities": map[string]any{},
	}, &res))
	h.notify("initialized", struct{}{})
	h.waitLog(MessageInfo, "initialized")
	return res
}

// waitNote returns the next notification with the given method that
// satisfies match, discarding others.
func (h *harness) waitNote(method string, match func(params json.RawMessage) bool) json.RawMessage {
	h.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case n := <-h.notes:
			if n.Method == method && (match == nil || match(n.Params)) {
				return n.Params
			}
		case <-deadline:
			h.t.Fatalf("no %s notification arrived", method)
			return nil
		}
	}
}

func (h *harness) waitLog(typ MessageType, substr string) LogMessageParams {
	h.t.Helper()
	var got LogMessageParams
	h.waitNote(methodLogMessage, func(raw json.RawMessage) bool {
		var p LogMessageParams
		if json.Unmarshal(raw, &p) != nil {
			return false
		}
		if p.Type == typ && strings.Contains(p.Message, substr) {
			got = p
			return true
		}
		return false
	})
	return got
}

func (h *harness) expectNoNote(method string, wait time.Duration) {
	h.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case n := <-h.notes:
			if n.Method == method {
				h.t.Fatalf("unexpected %s notification: %s", method, n.Params)
			}
		case <-deadline:
			return
		}
	}
}

func (h *harness) waitServed() error {
	h.t.Helper()
	select {
	case <-h.served:
		return h.serveErr
	case <-time.After(testTimeout):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

func openDoc(uri, text string) DidOpenTextDocumentParams {
	return DidOpenTextDocumentParams{TextDocument: TextDocumentItem{URI: DocumentURI(uri), LanguageID: "plaintext", Version: 1, Text: text}}
}

func completionAt(uri string, trigger *string) CompletionParams {
	p := CompletionParams{TextDocumentPositionParams: TextDocumentPositionParams{TextDocument: TextDocumentIdentifier{URI: DocumentURI(uri)}}}
	if trigger != nil {
		p.Context = &CompletionContext{TriggerKind: CompletionTriggerCharacter, TriggerCharacter: trigger}
	}
	return p
}

func ptr[T any](v T) *T { return &v }

func labels(items []CompletionItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Label
	}
	return out
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New(nil)})
	res := h.initialize()

	require.NotNil(t, res.ServerInfo)
	assert.Equal(t, ServerName, res.ServerInfo.Name)
	assert.Equal(t, ServerVersion, res.ServerInfo.Version)
	require.NotNil(t, res.Capabilities.TextDocumentSync)
	assert.Equal(t, SyncIncremental, res.Capabilities.TextDocumentSync.Change)
	assert.Equal(t, []string{"."}, res.Capabilities.CompletionProvider.TriggerCharacters)
	assert.Equal(t, []string{CommandApplyEdit, CommandNotification}, res.Capabilities.ExecuteCommandProvider.Commands)
	assert.Equal(t, StateReady, h.server.State())
}

func TestRequestsBeforeInitialize(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"cat"})})

	err := h.call("textDocument/completion", completionAt("file:///a.txt", nil), nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeServerNotInitialized, rpc.ErrorCode(err))

	err = h.call("workspace/executeCommand", ExecuteCommandParams{Command: CommandNotification}, nil)
	assert.Equal(t, rpc.CodeServerNotInitialized, rpc.ErrorCode(err))
	h.expectNoNote(methodCustomNotification, 50*time.Millisecond)

	err = h.call("shutdown", nil, nil)
	assert.Equal(t, rpc.CodeServerNotInitialized, rpc.ErrorCode(err))

	// Notifications before initialize are dropped, not applied. The
	// completion shares the document's queue, so its reply means the
	// didOpen has been handled.
	h.notify("textDocument/didOpen", openDoc("file:///a.txt", "x"))
	err = h.call("textDocument/completion", completionAt("file:///a.txt", nil), nil)
	assert.Equal(t, rpc.CodeServerNotInitialized, rpc.ErrorCode(err))
	h.initialize()
	assert.Zero(t, h.server.Documents().Len())
}

func TestSecondInitializeIsInvalid(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()
	err := h.call("initialize", map[string]any{"processId": nil, "capabilities": map[string]any{}}, nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.ErrorCode(err))
}

func TestInitializeWithBadParamsStaysUninitialized(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.call("initialize", []int{1}, nil)
	assert.Equal(t, rpc.CodeInvalidParams, rpc.ErrorCode(err))
	assert.Equal(t, StateUninitialized, h.server.State())
	h.initialize()
}

func TestUnknownMethods(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	err := h.call("textDocument/hover", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeMethodNotFound, rpc.ErrorCode(err))

	// Unknown notifications are ignored and the connection stays up.
	h.notify("workspace/didChangeConfiguration", map[string]any{})
	h.notify("$/progress", map[string]any{})
	h.notify("$/cancelRequest", CancelParams{ID: json.RawMessage(`3`)})
	require.NoError(t, h.call("shutdown", nil, nil))
}

func TestCompletionScenario(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"alpha", "apple"})})
	h.initialize()

	h.notify("textDocument/didOpen", openDoc("file:///d1", ""))
	h.waitLog(MessageInfo, "file opened")

	var items []CompletionItem
	require.NoError(t, h.call("textDocument/completion", completionAt("file:///d1", ptr("ap")), &items))
	assert.Equal(t, []CompletionItem{{Label: "apple", InsertText: "apple"}}, items)

	h.notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: "file:///d1"}})
	h.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: "file:///d1", Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "a"}},
	})
	msg := h.waitLog(MessageError, "document not found")
	assert.Contains(t, msg.Message, "file:///d1")
	assert.Zero(t, h.server.Documents().Len())
}

func TestCompletionWithoutTrigger(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"cat", "car", "dog"})})
	h.initialize()

	var items []CompletionItem
	require.NoError(t, h.call("textDocument/completion", completionAt("file:///x", nil), &items))
	assert.Equal(t, []string{"cat", "car", "dog"}, labels(items))

	require.NoError(t, h.call("textDocument/completion", completionAt("file:///x", ptr("ca")), &items))
	assert.Equal(t, []string{"cat", "car"}, labels(items))
}

func TestCompletionEmptyResultIsArray(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"cat"})})
	h.initialize()

	var raw json.RawMessage
	require.NoError(t, h.call("textDocument/completion", completionAt("file:///x", ptr("z")), &raw))
	assert.JSONEq(t, `[]`, string(raw))
}

func TestCompletionWordPrefix(t *testing.T) {
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"alpha", "apple", "banana"}), WordPrefix: true})
	h.initialize()

	h.notify("textDocument/didOpen", openDoc("file:///w", "x = ap"))
	p := completionAt("file:///w", nil)
	p.Position = Position{Line: 0, Character: 6}

	var items []CompletionItem
	require.NoError(t, h.call("textDocument/completion", p, &items))
	assert.Equal(t, []string{"apple"}, labels(items))
}

func TestIncrementalChangesApplyInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	uri := "file:///inc.txt"
	h.notify("textDocument/didOpen", openDoc(uri, "hello world"))
	for i, edit := range []TextDocumentContentChangeEvent{
		{Range: &Range{Start: Position{0, 0}, End: Position{0, 5}}, Text: "goodbye"},
		{Range: &Range{Start: Position{0, 13}, End: Position{0, 13}}, Text: "!"},
		{Range: &Range{Start: Position{0, 8}, End: Position{0, 8}}, Text: "cruel "},
	} {
		h.notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument:   VersionedTextDocumentIdentifier{URI: DocumentURI(uri), Version: int32(i + 2)},
			ContentChanges: []TextDocumentContentChangeEvent{edit},
		})
	}
	h.notify("textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: DocumentURI(uri)}})
	h.waitLog(MessageInfo, "file saved")

	doc, ok := h.server.Documents().Get(DocumentURI(uri))
	require.True(t, ok)
	assert.Equal(t, "goodbye cruel world!", doc.Text)
	assert.Equal(t, int32(4), doc.Version)
	assert.False(t, doc.Dirty)
}

func TestShutdownThenExit(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	var res json.RawMessage
	require.NoError(t, h.call("shutdown", nil, &res))
	assert.Equal(t, "null", string(res))
	assert.Equal(t, StateShuttingDown, h.server.State())

	err := h.call("textDocument/completion", completionAt("file:///x", nil), nil)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.ErrorCode(err))
	err = h.call("shutdown", nil, nil)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.ErrorCode(err))

	h.notify("exit", nil)
	assert.NoError(t, h.waitServed())
	assert.Equal(t, StateClosed, h.server.State())
}

func TestExitWithoutShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()
	h.notify("exit", nil)
	assert.ErrorIs(t, h.waitServed(), ErrExitWithoutShutdown)
}

func TestStreamEndWithoutExit(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()
	h.client.Close()
	assert.NoError(t, h.waitServed())
}

func TestUnknownCommandHasNoSideEffect(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	err := h.call("workspace/executeCommand", ExecuteCommandParams{Command: "custom.nope"}, nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidRequest, rpc.ErrorCode(err))
	assert.Contains(t, err.Error(), "custom.nope")
	h.expectNoNote(methodCustomNotification, 100*time.Millisecond)
}

func TestNotificationCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	var res json.RawMessage
	require.NoError(t, h.call("workspace/executeCommand", ExecuteCommandParams{Command: CommandNotification}, &res))
	assert.Equal(t, "null", string(res))

	var got CustomNotificationParams
	require.NoError(t, json.Unmarshal(h.waitNote(methodCustomNotification, nil), &got))
	assert.Equal(t, DefaultNotification, got)
	h.waitLog(MessageInfo, "command executed")
}

func TestNotificationCommandOverrides(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	args := []json.RawMessage{json.RawMessage(`{"title":"Build finished","description":""}`)}
	require.NoError(t, h.call("workspace/executeCommand", ExecuteCommandParams{Command: CommandNotification, Arguments: args}, nil))

	var got CustomNotificationParams
	require.NoError(t, json.Unmarshal(h.waitNote(methodCustomNotification, nil), &got))
	assert.Equal(t, "Build finished", got.Title)
	assert.Equal(t, DefaultNotification.Message, got.Message)
	assert.Equal(t, DefaultNotification.Description, got.Description)
}

func TestApplyEditCommandOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(ApplyWorkspaceEditParams) (any, error)
		logType MessageType
		logText string
	}{
		{
			name:    "applied",
			reply:   func(ApplyWorkspaceEditParams) (any, error) { return ApplyWorkspaceEditResult{Applied: true}, nil },
			logType: MessageInfo,
			logText: "applied",
		},
		{
			name: "rejected",
			reply: func(ApplyWorkspaceEditParams) (any, error) {
				return ApplyWorkspaceEditResult{Applied: false, FailureReason: "read-only"}, nil
			},
			logType: MessageInfo,
			logText: "rejected: read-only",
		},
		{
			name: "client error",
			reply: func(ApplyWorkspaceEditParams) (any, error) {
				return nil, rpc.Errorf(rpc.CodeInternalError, "editor busy")
			},
			logType: MessageError,
			logText: "editor busy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.mu.Lock()
			h.applyEdit = tt.reply
			h.mu.Unlock()
			h.initialize()

			edit := WorkspaceEdit{Changes: map[DocumentURI][]TextEdit{
				"file:///a.txt": {{Range: Range{End: Position{0, 3}}, NewText: "dog"}},
			}}
			raw, err := json.Marshal(edit)
			require.NoError(t, err)

			var res json.RawMessage
			require.NoError(t, h.call("workspace/executeCommand", ExecuteCommandParams{
				Command:   CommandApplyEdit,
				Arguments: []json.RawMessage{raw},
			}, &res))
			assert.Equal(t, "null", string(res), "outcome never changes the command result")
			h.waitLog(tt.logType, tt.logText)

			h.mu.Lock()
			defer h.mu.Unlock()
			require.Len(t, h.edits, 1)
			assert.Equal(t, applyEditLabel, h.edits[0].Label)
			assert.Equal(t, edit, h.edits[0].Edit)
		})
	}
}

func TestMalformedFrameIsReported(t *testing.T) {
	a, b := net.Pipe()
	s := NewServer(Options{Logger: zaptest.NewLogger(t)})
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), a) }()

	notes := make(chan *jsonrpc.Request, 8)
	client := rpc.NewConn(b, rpc.HandlerFunc(func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		notes <- req
		return nil, nil
	}), rpc.ConnOptions{Logger: zaptest.NewLogger(t)})
	clientDone := make(chan struct{})
	go func() { defer close(clientDone); client.Run(context.Background()) }()

	go b.Write([]byte("Content-Length: 5\r\n\r\n{oops"))

	select {
	case n := <-notes:
		assert.Equal(t, methodLogMessage, n.Method)
		var p LogMessageParams
		require.NoError(t, json.Unmarshal(n.Params, &p))
		assert.Equal(t, MessageError, p.Type)
		assert.Contains(t, p.Message, "malformed")
	case <-time.After(testTimeout):
		t.Fatal("parse error was not reported")
	}

	client.Close()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return")
	}
	<-clientDone
}

func TestServeTwice(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	err := h.server.Serve(context.Background(), a)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrExitWithoutShutdown))
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, Options{Dictionary: wordlist.New([]string{"cat", "car"}), Metrics: m})

	_ = h.call("textDocument/completion", completionAt("file:///x", nil), nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("textDocument/completion", outcomeRejected)))

	h.initialize()
	h.notify("textDocument/didOpen", openDoc("file:///x", ""))
	h.waitLog(MessageInfo, "file opened")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openDocuments))

	require.NoError(t, h.call("textDocument/completion", completionAt("file:///x", nil), nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("textDocument/completion", outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("initialize", outcomeOK)))
}
