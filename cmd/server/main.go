package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/workspace/api/handlers"
	"github.com/remote-agent-terminal/workspace/internal/config"
	"github.com/remote-agent-terminal/workspace/internal/db"
	"github.com/remote-agent-terminal/workspace/internal/filestore"
	"github.com/remote-agent-terminal/workspace/internal/model"
	"github.com/remote-agent-terminal/workspace/internal/pty"
	"github.com/remote-agent-terminal/workspace/internal/repository"
	"github.com/remote-agent-terminal/workspace/internal/watcher"
	"github.com/remote-agent-terminal/workspace/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	// Setup logger
	setupLogger(cfg)
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info().
		Str("env", cfg.Env).
		Str("workspace", cfg.WorkspaceDir).
		Str("shell", cfg.ShellCommand).
		Msg("Starting workspace server")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Server exited")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize file store (creates the workspace directory)
	store, err := filestore.New(cfg.WorkspaceDir, filestore.Options{Hide: cfg.WatchIgnore})
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}

	// Spawn the shell
	ptyManager := pty.NewManager()
	defer ptyManager.Close()

	shell, err := ptyManager.Spawn(ctx, pty.StartOptions{
		ID:         pty.DefaultSessionID,
		Command:    cfg.ShellCommand,
		Dir:        store.Root(),
		Rows:       uint16(cfg.TermRows),
		Cols:       uint16(cfg.TermCols),
		RecordPath: cfg.RecordPath,
	})
	if err != nil {
		if errors.Is(err, model.ErrSpawn) {
			return fmt.Errorf("cannot start shell %q: %w", cfg.ShellCommand, err)
		}
		return err
	}

	// Initialize the optional save journal
	var journal *repository.SaveRepository
	if cfg.JournalPath != "" {
		database, err := db.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open save journal: %w", err)
		}
		defer database.Close()
		journal = repository.NewSaveRepository(database)
		log.Info().Str("path", cfg.JournalPath).Msg("Save journal enabled")
	}

	// Initialize the session hub
	hubOpts := ws.Options{
		Watch:        watchFunc(store.Root(), cfg),
		Digest:       filestore.Digest,
		OutboxSize:   cfg.OutboxSize,
		HistorySize:  cfg.HistorySize,
		WatchRetries: cfg.WatchMaxRetries,
	}
	if journal != nil {
		hubOpts.Journal = journal
	}
	hub := ws.NewHub(shell, store, hubOpts)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	// Initialize handlers
	var saveHandler *handlers.SaveHandler
	if journal != nil {
		saveHandler = handlers.NewSaveHandler(journal)
	}
	router := handlers.NewRouter(
		handlers.NewFileHandler(store),
		saveHandler,
		handlers.NewHealthHandler(shell, hub),
		handlers.NewWebSocketHandler(ws.NewHandler(hub, cfg.CORSAllowedOrigins)),
		cfg.CORSAllowedOrigins,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-serveErr:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stopping the hub closes every client connection, which lets
	// Shutdown finish without waiting on hijacked WebSockets.
	cancel()
	<-hubDone

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	return nil
}

// watchFunc returns the hub's watch factory for the workspace root.
func watchFunc(root string, cfg *config.Config) ws.WatchFunc {
	opts := watcher.Options{
		Coalesce: cfg.CoalesceWindow(),
		Ignore:   append(append([]string{}, cfg.WatchIgnore...), filestore.TempPattern),
	}

	return func(ctx context.Context) (ws.ChangeStream, error) {
		w, err := watcher.Watch(ctx, root, opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Console output for humans
	if cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
