// Package lsp implements the wordls language server: lifecycle, document
// synchronization, dictionary completion and the custom command set, served
// over an rpc.Conn.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"github.com/sanjit/wordls/internal/rpc"
	"github.com/sanjit/wordls/internal/wordlist"
)

const (
	ServerName    = "wordls"
	ServerVersion = "0.1.0"
)

// DefaultTriggerCharacters are advertised when Options leaves them unset.
var DefaultTriggerCharacters = []string{"."}

// State is the lifecycle state of a connection.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Server.
type Options struct {
	Dictionary *wordlist.Dictionary

	// SyncKind is SyncFull or SyncIncremental; anything else means incremental.
	SyncKind          TextDocumentSyncKind
	TriggerCharacters []string

	// CompletionLimit caps completion results; zero means MaxCompletionItems.
	CompletionLimit int

	// WordPrefix filters untriggered completions by the identifier left of
	// the cursor instead of returning every entry.
	WordPrefix bool

	MaxContentLength int

	Logger  *zap.Logger
	Metrics *Metrics
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// errDropped marks a notification that the current state does not accept.
var errDropped = errors.New("notification dropped")

// Server is one language server session. It serves a single connection.
type Server struct {
	opts    Options
	logger  *zap.Logger
	metrics *Metrics
	docs    *DocumentStore
	session string

	handlers map[Method]handlerFunc

	mu      sync.Mutex
	state   State
	caps    ServerCapabilities
	exitErr error

	conn     *rpc.Conn
	commands *CommandExecutor
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.NewString()
	s := &Server{
		opts:    opts,
		logger:  logger.With(zap.String("session", session)),
		metrics: opts.Metrics,
		docs:    NewDocumentStore(),
		session: session,
	}
	s.handlers = map[Method]handlerFunc{
		MethodInitialize:     s.initialize,
		MethodInitialized:    s.initialized,
		MethodShutdown:       s.shutdown,
		MethodExit:           s.exit,
		MethodDidOpen:        s.didOpen,
		MethodDidChange:      s.didChange,
		MethodDidSave:        s.didSave,
		MethodDidClose:       s.didClose,
		MethodCompletion:     s.completion,
		MethodExecuteCommand: s.executeCommand,
		MethodCancelRequest:  s.cancelRequest,
		MethodSetTrace:       s.setTrace,
	}
	return s
}

// Session returns the id attached to this session's log entries.
func (s *Server) Session() string { return s.session }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Documents exposes the document store, for inspection.
func (s *Server) Documents() *DocumentStore { return s.docs }

// Serve runs the session over rwc until the client exits, the stream ends
// or ctx is cancelled. It returns ErrExitWithoutShutdown when the client
// sent exit without a prior shutdown.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("lsp: server already serving a connection")
	}
	s.conn = rpc.NewConn(rwc, rpc.HandlerFunc(s.handle), rpc.ConnOptions{
		Logger:           s.logger.Named("rpc"),
		MaxContentLength: s.opts.MaxContentLength,
		Key:              documentKey,
		OnParseError:     s.onParseError,
	})
	s.commands = NewCommandExecutor(s.conn, s.logger.Named("commands"))
	s.mu.Unlock()

	s.logger.Info("serving", zap.Int("dictionary", s.opts.Dictionary.Len()))
	err := s.conn.Run(ctx)

	s.mu.Lock()
	s.state = StateClosed
	exitErr := s.exitErr
	s.mu.Unlock()

	if exitErr != nil {
		return exitErr
	}
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *jsonrpc.Request) (any, error) {
	method, known := ParseMethod(req.Method)
	isCall := req.IsCall()
	if !known {
		if isCall {
			s.metrics.countRequest("unknown", outcomeError)
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method not found: %s", req.Method)
		}
		if !strings.HasPrefix(req.Method, "$/") {
			s.logger.Debug("ignoring unknown notification", zap.String("method", req.Method))
		}
		return nil, nil
	}

	if err := s.admit(method, isCall); err != nil {
		if errors.Is(err, errDropped) {
			s.metrics.countRequest(method.String(), outcomeDropped)
			s.logger.Debug("notification dropped", zap.Stringer("method", method), zap.Stringer("state", s.State()))
			return nil, nil
		}
		s.metrics.countRequest(method.String(), outcomeRejected)
		return nil, err
	}

	start := time.Now()
	result, err := s.handlers[method](ctx, req.Params)
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
	}
	s.metrics.observeRequest(method.String(), outcome, time.Since(start))
	return result, err
}

// admit applies the lifecycle rules to an incoming message and performs the
// Uninitialized to Initializing transition for initialize.
//
// Requests before Ready get ServerNotInitialized. Once shutdown has
// succeeded the server is initialized but finished, so later requests get
// InvalidRequest, which is what LSP clients expect after shutdown.
func (s *Server) admit(method Method, isCall bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if method == MethodExit && s.state != StateClosed {
		return nil
	}
	switch s.state {
	case StateUninitialized:
		if method == MethodInitialize && isCall {
			s.state = StateInitializing
			return nil
		}
		if !isCall {
			return errDropped
		}
		return rpc.Errorf(rpc.CodeServerNotInitialized, "%w", ErrNotInitialized)
	case StateInitializing:
		if !isCall {
			return errDropped
		}
		return rpc.Errorf(rpc.CodeServerNotInitialized, "%w", ErrNotInitialized)
	case StateReady:
		if method == MethodInitialize {
			return rpc.Errorf(rpc.CodeInvalidRequest, "server already initialized")
		}
		if !s.advertised(method) {
			if !isCall {
				return errDropped
			}
			return rpc.Errorf(rpc.CodeMethodNotFound, "method not advertised: %s", method)
		}
		return nil
	default:
		if !isCall {
			return errDropped
		}
		return rpc.Errorf(rpc.CodeInvalidRequest, "server is %s", s.state)
	}
}

// advertised reports whether the negotiated capabilities cover method.
// Callers hold s.mu.
func (s *Server) advertised(method Method) bool {
	switch method {
	case MethodCompletion:
		return s.caps.CompletionProvider != nil
	case MethodExecuteCommand:
		return s.caps.ExecuteCommandProvider != nil
	case MethodDidOpen, MethodDidClose:
		return s.caps.TextDocumentSync != nil && s.caps.TextDocumentSync.OpenClose
	case MethodDidChange:
		return s.caps.TextDocumentSync != nil && s.caps.TextDocumentSync.Change != SyncNone
	case MethodDidSave:
		return s.caps.TextDocumentSync != nil && s.caps.TextDocumentSync.Save != nil
	}
	return true
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Server) onParseError(err error) {
	s.metrics.countRequest("invalid", outcomeDropped)
	s.logMessage(context.Background(), MessageError, fmt.Sprintf("dropped malformed message: %v", err))
}

func (s *Server) logMessage(ctx context.Context, typ MessageType, msg string) {
	logMessage(ctx, s.conn, s.logger, typ, msg)
}

// reportError surfaces a failed notification to the client and returns err
// as a request failure.
func (s *Server) reportError(ctx context.Context, err error) error {
	s.logger.Warn("notification failed", zap.Error(err))
	s.logMessage(ctx, MessageError, err.Error())
	return rpc.Errorf(rpc.CodeRequestFailed, "%w", err)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return rpc.Errorf(rpc.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// documentKey serializes messages that touch the same document.
func documentKey(req *jsonrpc.Request) string {
	switch m, _ := ParseMethod(req.Method); m {
	case MethodDidOpen, MethodDidChange, MethodDidSave, MethodDidClose, MethodCompletion:
	default:
		return ""
	}
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return ""
	}
	return p.TextDocument.URI
}

func (s *Server) initialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params InitializeParams
	if err := decodeParams(raw, &params); err != nil {
		s.setState(StateUninitialized)
		return nil, err
	}
	caps := NegotiateCapabilities(s.opts, s.commands.CommandNames())

	s.mu.Lock()
	s.caps = caps
	s.state = StateReady
	s.mu.Unlock()

	fields := []zap.Field{zap.Stringer("sync", syncKindName(caps.TextDocumentSync.Change))}
	if params.ClientInfo != nil {
		fields = append(fields, zap.String("client", params.ClientInfo.Name), zap.String("clientVersion", params.ClientInfo.Version))
	}
	s.logger.Info("initialized session", fields...)

	return InitializeResult{
		Capabilities: caps,
		ServerInfo:   &ServerInfo{Name: ServerName, Version: ServerVersion},
	}, nil
}

func (s *Server) initialized(ctx context.Context, _ json.RawMessage) (any, error) {
	s.logMessage(ctx, MessageInfo, "initialized")
	return nil, nil
}

func (s *Server) shutdown(ctx context.Context, _ json.RawMessage) (any, error) {
	s.setState(StateShuttingDown)
	s.logger.Info("shutdown requested", zap.Int("openDocuments", s.docs.Len()))
	return nil, nil
}

func (s *Server) exit(ctx context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	if s.state != StateShuttingDown {
		s.exitErr = ErrExitWithoutShutdown
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("exit")
	s.conn.Close()
	return nil, nil
}

func (s *Server) didOpen(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DidOpenTextDocumentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, s.reportError(ctx, err)
	}
	doc := p.TextDocument
	if s.docs.Open(doc.URI, doc.LanguageID, doc.Version, doc.Text) {
		s.logger.Info("document reopened, previous content replaced", zap.String("uri", string(doc.URI)))
	}
	s.metrics.setOpenDocuments(s.docs.Len())
	s.logMessage(ctx, MessageInfo, "file opened: "+string(doc.URI))
	return nil, nil
}

func (s *Server) didChange(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DidChangeTextDocumentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, s.reportError(ctx, err)
	}
	uri := p.TextDocument.URI
	stale, err := s.docs.Change(uri, p.TextDocument.Version, p.ContentChanges)
	if err != nil {
		return nil, s.reportError(ctx, err)
	}
	if stale {
		s.logger.Warn("document version did not advance", zap.String("uri", string(uri)), zap.Int32("version", p.TextDocument.Version))
	}
	s.logMessage(ctx, MessageInfo, "file changed: "+string(uri))
	return nil, nil
}

func (s *Server) didSave(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DidSaveTextDocumentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, s.reportError(ctx, err)
	}
	if err := s.docs.Save(p.TextDocument.URI, p.Text); err != nil {
		return nil, s.reportError(ctx, err)
	}
	s.logMessage(ctx, MessageInfo, "file saved: "+string(p.TextDocument.URI))
	return nil, nil
}

func (s *Server) didClose(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DidCloseTextDocumentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, s.reportError(ctx, err)
	}
	if err := s.docs.Close(p.TextDocument.URI); err != nil {
		return nil, s.reportError(ctx, err)
	}
	s.metrics.setOpenDocuments(s.docs.Len())
	s.logMessage(ctx, MessageInfo, "file closed: "+string(p.TextDocument.URI))
	return nil, nil
}

func (s *Server) completion(ctx context.Context, raw json.RawMessage) (any, error) {
	var p CompletionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	prefix := ""
	switch {
	case p.Context != nil && p.Context.TriggerCharacter != nil:
		prefix = *p.Context.TriggerCharacter
	case s.opts.WordPrefix:
		if doc, ok := s.docs.Get(p.TextDocument.URI); ok {
			prefix = wordBefore(doc.Text, p.Position)
		}
	}
	items := Complete(s.opts.Dictionary, prefix, s.opts.CompletionLimit)
	s.metrics.observeCompletion(len(items))
	s.logger.Debug("completion", zap.String("uri", string(p.TextDocument.URI)), zap.String("prefix", prefix), zap.Int("items", len(items)))
	return items, nil
}

func (s *Server) executeCommand(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ExecuteCommandParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.commands.Execute(ctx, p)
}

func (s *Server) cancelRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var p CancelParams
	_ = json.Unmarshal(raw, &p)
	s.logger.Debug("cancellation requested, running to completion", zap.ByteString("id", p.ID))
	return nil, nil
}

func (s *Server) setTrace(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SetTraceParams
	_ = json.Unmarshal(raw, &p)
	s.logger.Debug("trace level", zap.String("value", p.Value))
	return nil, nil
}

type syncKindName TextDocumentSyncKind

func (k syncKindName) String() string {
	switch TextDocumentSyncKind(k) {
	case SyncFull:
		return "full"
	case SyncIncremental:
		return "incremental"
	}
	return "none"
}
