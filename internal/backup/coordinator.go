package backup

import (
	"context"
	"log/slog"
	"time"
)

// Coordinator runs periodic backups. It waits for the first interval
// before the first snapshot so startup is not burdened with a full
// database copy.
type Coordinator struct {
	manager  *Manager
	interval time.Duration
}

// NewCoordinator creates a coordinator for periodic backups.
func NewCoordinator(manager *Manager, interval time.Duration) *Coordinator {
	return &Coordinator{manager: manager, interval: interval}
}

// Run starts the backup loop. It blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("backup coordinator started",
		"component", "worker",
		"worker", "backup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("backup coordinator stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			start := time.Now()
			path, err := c.manager.Run(ctx, start)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("backup cycle failed",
					"component", "worker",
					"worker", "backup-coordinator",
					"error", err,
				)
				continue
			}
			slog.Info("backup cycle completed",
				"component", "worker",
				"worker", "backup-coordinator",
				"file", path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
