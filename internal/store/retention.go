package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker periodically removes journal rows older than
// retention. It runs once at start and stops when ctx is cancelled.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	ticker := time.NewTicker(retentionWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionWorkerInterval, "retention", retention)

		pruneExpired(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				pruneExpired(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneExpired(ctx context.Context, repo Repository, retention time.Duration) {
	if retention <= 0 {
		return
	}
	removed, err := repo.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Retention worker failed to prune journal", "error", err)
		}
		return
	}
	if removed > 0 {
		slog.Info("Retention worker pruned journal", "removed", removed)
	}
}
