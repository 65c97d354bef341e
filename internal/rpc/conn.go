package rpc

// conn.go - JSON-RPC connection: read loop, handler dispatch and correlation
// of responses to requests this side issued.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes incoming requests and notifications. For a request
// (req.IsCall()) the returned value or error becomes the response; for a
// notification both are discarded.
type Handler interface {
	Handle(ctx context.Context, req *jsonrpc.Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *jsonrpc.Request) (any, error) {
	return f(ctx, req)
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	Logger *zap.Logger

	// MaxContentLength bounds incoming frame bodies.
	MaxContentLength int

	// Key returns a serialization key for an incoming message. Messages with
	// the same non-empty key are handled one at a time in arrival order;
	// everything else is handled concurrently.
	Key func(req *jsonrpc.Request) string

	// OnParseError is called from the read loop for every dropped frame.
	OnParseError func(err error)
}

// Conn is one side of a JSON-RPC connection over a byte stream.
type Conn struct {
	reader  *Reader
	writer  *Writer
	closer  io.Closer
	handler Handler
	opts    ConnOptions
	logger  *zap.Logger

	nextID    atomic.Int64
	pending   map[jsonrpc.ID]chan *jsonrpc.Response
	pendingMu sync.Mutex

	queue    serialQueue
	handlers errgroup.Group

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConn returns a Conn reading from and writing to rwc. Call Run to start
// processing.
func NewConn(rwc io.ReadWriteCloser, handler Handler, opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		reader:  NewReader(rwc, opts.MaxContentLength),
		writer:  NewWriter(rwc),
		closer:  rwc,
		handler: handler,
		opts:    opts,
		logger:  logger,
		pending: make(map[jsonrpc.ID]chan *jsonrpc.Response),
		queue:   serialQueue{tails: make(map[string]chan struct{})},
		done:    make(chan struct{}),
	}
}

// Run reads and dispatches messages until the stream fails or Close is
// called, then waits for in-flight handlers. It returns nil after Close and
// the stream error otherwise.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	var err error
	select {
	case err = <-readErr:
	case <-c.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.Close()
	cancel()
	c.handlers.Wait()
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.Read()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				c.logger.Warn("dropped malformed frame", zap.Error(err))
				if c.opts.OnParseError != nil {
					c.opts.OnParseError(err)
				}
				continue
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.resolve(m)
	case *jsonrpc.Request:
		var key string
		if c.opts.Key != nil {
			key = c.opts.Key(m)
		}
		c.queue.schedule(&c.handlers, key, func() { c.handle(ctx, m) })
	}
}

func (c *Conn) handle(ctx context.Context, req *jsonrpc.Request) {
	result, err := c.handler.Handle(ctx, req)
	if !req.IsCall() {
		if err != nil {
			c.logger.Debug("notification handler failed", zap.String("method", req.Method), zap.Error(err))
		}
		return
	}
	if err := c.reply(req.ID, result, err); err != nil {
		c.logger.Warn("write response", zap.String("method", req.Method), zap.Any("id", req.ID.Raw()), zap.Error(err))
	}
}

func (c *Conn) reply(id jsonrpc.ID, result any, herr error) error {
	resp := &jsonrpc.Response{ID: id}
	if herr != nil {
		resp.Error = toWireError(herr)
		return c.writer.Write(resp)
	}
	raw, err := marshalValue(result)
	if err != nil {
		resp.Error = &jsonrpc.Error{Code: CodeInternalError, Message: fmt.Sprintf("marshal result: %v", err)}
		return c.writer.Write(resp)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	resp.Result = raw
	return c.writer.Write(resp)
}

// resolve hands a response to the pending Call that issued it. Responses
// with no matching request are dropped.
func (c *Conn) resolve(resp *jsonrpc.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("discarding response with no pending request", zap.Any("id", resp.ID.Raw()))
		return
	}
	ch <- resp
}

// Call sends a request to the peer and waits for its response, decoding the
// result into result when it is non-nil. Only the calling goroutine waits;
// the read loop keeps running.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := marshalValue(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	id, err := jsonrpc.MakeID(float64(c.nextID.Add(1)))
	if err != nil {
		return err
	}

	ch := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writer.Write(&jsonrpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification to the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	raw, err := marshalValue(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.writer.Write(&jsonrpc.Request{Method: method, Params: raw})
}

// Close stops the connection and closes the underlying stream. Pending
// calls return ErrClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		close(c.done)
		c.pendingMu.Unlock()
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func marshalValue(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(v)
}

// serialQueue chains tasks sharing a key so that each starts only after its
// predecessor finished. Scheduling must happen in arrival order.
type serialQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func (q *serialQueue) schedule(g *errgroup.Group, key string, fn func()) {
	if key == "" {
		g.Go(func() error {
			fn()
			return nil
		})
		return
	}

	done := make(chan struct{})
	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	g.Go(func() error {
		defer func() {
			close(done)
			q.mu.Lock()
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		fn()
		return nil
	})
}
