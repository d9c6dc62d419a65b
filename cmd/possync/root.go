package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/muntu/possync/internal/api"
	"github.com/muntu/possync/internal/backup"
	"github.com/muntu/possync/internal/config"
	"github.com/muntu/possync/internal/conflict"
	"github.com/muntu/possync/internal/device"
	"github.com/muntu/possync/internal/orchestrator"
	"github.com/muntu/possync/internal/remote"
	"github.com/muntu/possync/internal/replicator"
	"github.com/muntu/possync/internal/store"
	possync "github.com/muntu/possync/internal/sync"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - offline-first POS synchronization agent",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dlqCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	deviceID, err := ensureDeviceID(ctx, db)
	if err != nil {
		return err
	}
	slog.Info("device identity loaded", "device_id", deviceID, "device_name", cfg.Device.Name)

	client := remote.NewClient(cfg.Remote.BaseURL, time.Duration(cfg.Remote.Timeout))

	registry := device.NewRegistry(db, client, deviceID, cfg.Device.Name, device.Thresholds{
		Online: time.Duration(cfg.Sync.OnlineThreshold),
		Away:   time.Duration(cfg.Sync.AwayThreshold),
	})

	pusher := replicator.NewPushReplicator(db, client, replicator.PushConfig{
		BatchSize:   cfg.Sync.BatchSize,
		MaxRetries:  cfg.Sync.MaxRetries,
		ClaimLease:  time.Duration(cfg.Sync.ClaimLease),
		BackoffBase: time.Duration(cfg.Sync.BackoffBase),
		BackoffMax:  time.Duration(cfg.Sync.BackoffMax),
	})
	puller := replicator.NewPullReplicator(db, client)
	resolver := conflict.NewResolver(db)

	orch := orchestrator.New(client, pusher, puller, db, registry, orchestrator.RealClock{}, orchestrator.Config{
		Interval:          time.Duration(cfg.Sync.Interval),
		HeartbeatInterval: time.Duration(cfg.Sync.HeartbeatInterval),
	})

	uploader, err := backup.NewUploader(backup.S3Options{
		Endpoint:  cfg.Backup.S3.Endpoint,
		Bucket:    cfg.Backup.S3.Bucket,
		Prefix:    cfg.Backup.S3.Prefix,
		AccessKey: cfg.Backup.S3.AccessKey,
		SecretKey: cfg.Backup.S3.SecretKey,
		Region:    cfg.Backup.S3.Region,
		UseSSL:    cfg.Backup.S3.UseSSL,
	})
	if err != nil {
		return err
	}
	backups := backup.NewCoordinator(
		backup.NewManager(db, uploader, cfg.Backup.Dir, cfg.Backup.Keep),
		time.Duration(cfg.Backup.Interval),
	)

	handler := api.NewHandler(db, orch, resolver, registry, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "orchestrator", orch.Start)
	startWorker(ctx, &wg, "backup", backups.Run)
	startWorker(ctx, &wg, "queue-retention", func(ctx context.Context) {
		runRetentionSweep(ctx, db, time.Duration(cfg.Sync.CompletedRetention))
	})

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// ensureDeviceID loads this device's stable id, generating and persisting
// one on first run.
func ensureDeviceID(ctx context.Context, db *store.SQLiteStore) (string, error) {
	id, err := db.GetMeta(ctx, possync.MetaDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := db.SetMeta(ctx, possync.MetaDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// runRetentionSweep prunes completed queue rows older than the retention
// window. Completed rows inside the window stay to back the dashboard's
// synced-last-24h counter.
func runRetentionSweep(ctx context.Context, db *store.SQLiteStore, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := db.PruneCompleted(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("queue retention sweep failed",
					"component", "worker",
					"worker", "queue-retention",
					"error", err,
				)
				continue
			}
			if pruned > 0 {
				slog.Info("completed queue rows pruned",
					"component", "worker",
					"worker", "queue-retention",
					"pruned", pruned,
				)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
