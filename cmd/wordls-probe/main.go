package main

// wordls-probe drives one short session against a wordls server and prints
// every message it receives. For debugging.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sanjit/wordls/internal/logging"
	"github.com/sanjit/wordls/internal/rpc"
)

type options struct {
	addr     string
	server   string
	dict     string
	complete string
	uri      string
	timeout  time.Duration
	logLevel string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "wordls-probe",
		Short: "Run a scripted LSP session against wordls and print the traffic",
		Long: "wordls-probe connects to a wordls server (over TCP with --addr, or by spawning\n" +
			"`wordls serve` on stdio), initializes, runs custom.notification, optionally asks\n" +
			"for completions, then shuts the server down.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.addr, "addr", "", "connect to a server listening on this TCP address")
	fs.StringVar(&opts.server, "server", "wordls", "server binary to spawn when --addr is not set")
	fs.StringVar(&opts.dict, "dict", "", "word list passed to the spawned server")
	fs.StringVar(&opts.complete, "complete", "", "request completions for this prefix")
	fs.StringVar(&opts.uri, "uri", "file:///tmp/probe.txt", "document uri used for the session")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "deadline for each request")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "probe log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wordls-probe:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts options) error {
	logger, err := logging.New(opts.logLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	rwc, wait, err := dial(opts)
	if err != nil {
		return err
	}

	p := &printer{out: out}
	conn := rpc.NewConn(rwc, rpc.HandlerFunc(func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		p.print("<- "+req.Method, req.Params)
		if req.Method == "workspace/applyEdit" {
			return map[string]bool{"applied": false}, nil
		}
		return nil, nil
	}), rpc.ConnOptions{Logger: logger.Named("rpc")})

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	sessionErr := session(ctx, conn, p, opts)
	conn.Close()
	if err := <-runErr; err != nil {
		logger.Debug("connection ended", zap.Error(err))
	}
	return errors.Join(sessionErr, wait())
}

func session(ctx context.Context, conn *rpc.Conn, p *printer, opts options) error {
	call := func(method string, params any) error {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		p.print("-> "+method, params)
		var result json.RawMessage
		if err := conn.Call(ctx, method, params, &result); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		p.print("<- "+method+" result", result)
		return nil
	}
	notify := func(method string, params any) error {
		p.print("-> "+method, params)
		return conn.Notify(ctx, method, params)
	}

	if err := call("initialize", map[string]any{
		"processId":    os.Getpid(),
		"clientInfo":   map[string]string{"name": "wordls-probe"},
		"rootUri":      nil,
		"capabilities": map[string]any{},
	}); err != nil {
		return err
	}
	if err := notify("initialized", struct{}{}); err != nil {
		return err
	}
	if err := notify("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{"uri": opts.uri, "languageId": "plaintext", "version": 1, "text": ""},
	}); err != nil {
		return err
	}
	if err := call("workspace/executeCommand", map[string]any{
		"command": "custom.notification",
		"arguments": []any{map[string]string{
			"title":       "Hello",
			"message":     "Hello from client",
			"description": "This is a custom notification from client",
		}},
	}); err != nil {
		return err
	}
	if opts.complete != "" {
		if err := call("textDocument/completion", map[string]any{
			"textDocument": map[string]any{"uri": opts.uri},
			"position":     map[string]any{"line": 0, "character": 0},
			"context":      map[string]any{"triggerKind": 2, "triggerCharacter": opts.complete},
		}); err != nil {
			return err
		}
	}
	if err := notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": opts.uri},
	}); err != nil {
		return err
	}
	if err := call("shutdown", nil); err != nil {
		return err
	}
	return notify("exit", nil)
}

// dial connects to the server. The returned wait function reaps a spawned
// server process.
func dial(opts options) (io.ReadWriteCloser, func() error, error) {
	if opts.addr != "" {
		conn, err := net.DialTimeout("tcp", opts.addr, opts.timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		return conn, func() error { return nil }, nil
	}

	args := []string{"serve"}
	if opts.dict != "" {
		args = append(args, "--dict", opts.dict)
	}
	cmd := exec.Command(opts.server, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", opts.server, err)
	}
	wait := func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}
	return childPipe{ReadCloser: stdout, stdin: stdin}, wait, nil
}

type childPipe struct {
	io.ReadCloser
	stdin io.WriteCloser
}

func (c childPipe) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c childPipe) Close() error {
	return errors.Join(c.stdin.Close(), c.ReadCloser.Close())
}

// printer writes one line per message, safe for concurrent use.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) print(label string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", label, data)
}
