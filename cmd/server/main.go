package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saltvault/internal/server/api"
	"saltvault/internal/server/config"
	"saltvault/internal/server/database"
	"saltvault/internal/server/service"
	"saltvault/internal/server/storage"
)

const usage = `usage: server [command]

commands:
  serve                   run the HTTP server (default)
  delete-user <username>  remove an account, its sessions and its files
`

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "delete-user":
		if len(os.Args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = deleteUser(os.Args[2])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("fatal", "command", cmd, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	repo     database.Store
	store    *storage.FileSystemStore
	creds    *service.CredentialStore
	sessions *service.SessionManager
	vault    *service.FileVault
}

func setup(ctx context.Context) (*app, error) {
	// Load config
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"max_file_size", cfg.MaxFileSize,
		"kdf_iterations", cfg.KDFIterations,
	)

	// Connect to database and run migrations
	repo, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	slog.Info("database ready")

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	return &app{
		cfg:      cfg,
		repo:     repo,
		store:    store,
		creds:    service.NewCredentialStore(repo),
		sessions: service.NewSessionManager(repo),
		vault: service.NewFileVault(repo, store,
			service.WithKDF(cfg.KDF()),
			service.WithMaxFileSize(cfg.MaxFileSize),
		),
	}, nil
}

func serve() error {
	a, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer a.repo.Close()

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(a.sessions, a.store, a.cfg.CleanupInterval, a.cfg.StagingMaxAge)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(a.creds, a.sessions, a.vault, a.repo, a.cfg)
	e := api.SetupRouter(handler, a.cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", a.cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
	return nil
}

func deleteUser(username string) error {
	ctx := context.Background()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.repo.Close()

	id, err := a.creds.Delete(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to delete user %q: %w", username, err)
	}
	if err := a.vault.PurgeOwner(ctx, id); err != nil {
		return fmt.Errorf("user %q deleted but blobs remain: %w", username, err)
	}

	fmt.Printf("deleted user %s (id %d)\n", username, id)
	return nil
}
