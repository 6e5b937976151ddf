package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/cryptox"
	"github.com/reelvault/reelvault/internal/downloader"
	"github.com/reelvault/reelvault/internal/events"
	"github.com/reelvault/reelvault/internal/gateway"
	"github.com/reelvault/reelvault/internal/logctx"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/storage/sqlite"
	"github.com/reelvault/reelvault/internal/stream"
	"github.com/reelvault/reelvault/internal/telemetry"
	"github.com/reelvault/reelvault/internal/vault"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("reelvault starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	var repo storage.OfflineRepository = sqlite.NewOfflineRepository(database)
	if cfg.Telemetry.Enabled {
		repo = sqlite.NewInstrumentedOfflineRepository(database, tel)
	}

	// =========================================================================
	// Start Vault
	vlt, err := vault.New(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	// =========================================================================
	// Start Gateway Client
	source, err := gateway.NewClient(cfg.GatewayURLs,
		gateway.WithAttemptObserver(func(endpoint string, rank, attempt int, latency time.Duration, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}

			tel.RecordGatewayAttempt(rank, status)
			logger.Debug("gateway attempt",
				"endpoint", endpoint, "rank", rank, "attempt", attempt,
				"latency", latency.String(), "err", err,
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to build gateway client: %w", err)
	}

	// =========================================================================
	// Start Encryption
	cipher, err := setupCipher(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up encryption: %w", err)
	}

	// =========================================================================
	// Start Downloader
	// The hub stays open for the life of the process: downloads interrupted
	// by shutdown still publish their terminal events.
	hub := events.NewHub()

	consumeEvents(ctx, hub)

	mgrOpts := []downloader.Option{
		downloader.WithTelemetry(tel),
		downloader.WithLockMaxAge(cfg.LockMaxAge),
		downloader.WithSpaceBuffer(cfg.SpaceBufferBytes),
		downloader.WithMaxParallel(cfg.MaxParallel),
	}
	if cipher != nil {
		mgrOpts = append(mgrOpts, downloader.WithCipher(cipher))
	}

	mgr := downloader.NewManager(source, vlt, repo, hub, mgrOpts...)

	// =========================================================================
	// Start Lock Sweep
	setupLockSweep(ctx, vlt, cfg)

	// =========================================================================
	// Start Stream Server

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	streamOpts := []stream.Option{
		stream.WithHub(hub),
		stream.WithDownloads(mgr),
		stream.WithTimeouts(cfg.Stream.ReadTimeout, cfg.Stream.IdleTimeout),
	}
	if cfg.Telemetry.Enabled {
		streamOpts = append(streamOpts, stream.WithTelemetry(tel))
	}
	if cipher != nil {
		streamOpts = append(streamOpts, stream.WithCipher(cipher))
	}

	server := stream.NewServer(repo, vlt, streamOpts...)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream server: %w", err)
	}

	go func() {
		serverErrors <- server.Serve()
	}()

	logger.Info("ready",
		"stream_address", server.Addr(),
		"vault_dir", vlt.Root(),
		"max_parallel", cfg.MaxParallel,
		"encrypt_downloads", cfg.EncryptDownloads,
	)

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Stream.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)
		}

		return nil
	}
}

// setupCipher builds the at-rest cipher when encryption is enabled. The key
// lives only in the OS credential store; losing it makes existing encrypted
// files unreadable, so the store is the single source of truth.
func setupCipher(cfg *config.Config) (*cryptox.Cipher, error) {
	if !cfg.EncryptDownloads {
		return nil, nil
	}

	if cfg.EncryptPassphrase == "" {
		return nil, fmt.Errorf("ENCRYPT_PASSPHRASE is required when ENCRYPT_DOWNLOADS is set")
	}

	salt, err := cryptox.LoadOrCreateSalt(filepath.Join(cfg.VaultDir, ".salt"))
	if err != nil {
		return nil, err
	}

	store := cryptox.NewKeyringStore(cfg.KeyringService)

	key, err := cryptox.EnsureKey(store, []byte(cfg.EncryptPassphrase), salt)
	if err != nil {
		return nil, err
	}

	return cryptox.NewCipher(key)
}

// consumeEvents drains the hub into the log. The embedded UI replaces these
// consumers with its own when it attaches.
func consumeEvents(ctx context.Context, hub *events.Hub) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for event := range hub.OnProgress {
			logger.Debug("download progress",
				"content_id", event.ContentID,
				"quality", event.Quality,
				"percentage", fmt.Sprintf("%.1f", event.Percentage),
				"speed_bps", event.Speed,
			)
		}
	}()

	go func() {
		for event := range hub.OnComplete {
			logger.Info("download complete",
				"content_id", event.ContentID,
				"quality", event.Quality,
				"path", event.FilePath,
				"size", event.FileSize,
			)
		}
	}()

	go func() {
		for event := range hub.OnError {
			logger.Error("download failed",
				"content_id", event.ContentID,
				"quality", event.Quality,
				"category", event.Category,
				"recoverable", event.Recoverable,
				"resumable", event.Resumable,
				"err", event.Err,
			)
		}
	}()
}

func setupLockSweep(ctx context.Context, vlt *vault.Vault, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(cfg.LockSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("lock sweep goroutine shutting down.")

				return
			case <-ticker.C:
				removed, err := vlt.SweepStaleLocks(ctx, cfg.LockMaxAge)
				if err != nil {
					logger.Error("failed to sweep stale locks", "err", err)

					continue
				}

				if removed > 0 {
					logger.Info("removed stale locks", "count", removed)
				}
			}
		}
	}()
}
