package main

// serve.go - the serve command: configuration, transport and metrics wiring
// around an lsp.Server.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sanjit/wordls/internal/config"
	"github.com/sanjit/wordls/internal/logging"
	"github.com/sanjit/wordls/internal/lsp"
	"github.com/sanjit/wordls/internal/wordlist"
)

// serveFlags override values from the config file when set.
type serveFlags struct {
	configPath  string
	dictionary  string
	listen      string
	sync        string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.dictionary, "dict", "", "word list file (default /tmp/keywords.dict)")
	fs.StringVar(&f.listen, "listen", "", "serve one TCP connection on this address instead of stdio")
	fs.StringVar(&f.sync, "sync", "", "document sync kind: incremental or full")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: console or json")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// load reads the config file and applies the flags the user set.
func (f *serveFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	if fs.Changed("dict") {
		cfg.Dictionary = f.dictionary
	}
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("sync") {
		cfg.Sync = f.sync
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server on stdio or a TCP address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	cfg, err := flags.load(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dict := wordlist.LoadOrEmpty(cfg.Dictionary, logger)
	syncKind := lsp.SyncIncremental
	if cfg.FullSync() {
		syncKind = lsp.SyncFull
	}
	server := lsp.NewServer(lsp.Options{
		Dictionary:        dict,
		SyncKind:          syncKind,
		TriggerCharacters: cfg.TriggerCharacters,
		CompletionLimit:   cfg.Completion.Limit,
		WordPrefix:        cfg.Completion.WordPrefix,
		MaxContentLength:  cfg.MaxContentLength,
		Logger:            logger.Named("lsp"),
		Metrics:           lsp.NewMetrics(reg),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		rwc, err := openTransport(ctx, cfg.Listen, logger)
		if err != nil {
			return err
		}
		return server.Serve(ctx, rwc)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
		})
	}
	return g.Wait()
}

// openTransport returns stdio, or the first connection accepted on addr.
func openTransport(ctx context.Context, addr string, logger *zap.Logger) (io.ReadWriteCloser, error) {
	if addr == "" {
		logger.Info("serving on stdio")
		return stdio{}, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	logger.Info("waiting for a client", zap.String("addr", ln.Addr().String()))

	stopAccept := context.AfterFunc(ctx, func() { ln.Close() })
	defer stopAccept()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))
	return conn, nil
}

// stdio joins the process's standard streams into one connection.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
