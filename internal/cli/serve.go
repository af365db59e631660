package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lazypower/recall/internal/compress"
	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/llm"
	"github.com/lazypower/recall/internal/metrics"
	"github.com/lazypower/recall/internal/server"
	"github.com/lazypower/recall/internal/store"
	"github.com/spf13/cobra"
)

var serveConfig string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "config file (default ~/.recall/config.yaml)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, cfg, err := loadConfig(serveConfig)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	var summarizer compress.Summarizer
	llmClient, err := llm.NewClient(cfg.LLM)
	switch {
	case err != nil:
		logger.Warn("LLM not configured, using extractive summaries", "error", err)
	case llmClient != nil:
		summarizer = &compress.LLM{Client: llmClient}
		logger.Info("llm summaries enabled", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	eng, err := engine.New(db, cfg, engine.Options{
		Summarizer: summarizer,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start compression: %w", err)
	}
	defer eng.Stop()

	if err := config.Watch(ctx, cfgPath, logger, eng.Configure); err != nil {
		logger.Warn("config hot reload disabled", "path", cfgPath, "error", err)
	}

	srv := server.New(eng, db, VersionString(), server.Options{Metrics: m, Logger: logger})
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recall serving", "addr", addr, "db", db.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadConfig resolves the config path (flag, else the default) and loads it.
func loadConfig(path string) (string, config.Config, error) {
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return "", config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return path, cfg, fmt.Errorf("load config: %w", err)
	}
	return path, cfg, nil
}

// openDB is a helper that opens the database named by cfg.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
