package auth

import (
	"context"
	"time"
)

// StartRefresher keeps the token fresh in the background. It checks once
// immediately and then every refresh interval, acquiring a token when none
// is cached or the cached one is inside the grace window. Failures are
// logged and retried on the next tick. The returned channel is closed once
// the worker has exited after ctx is cancelled.
func (m *Manager) StartRefresher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.logger.Info("Token refresher started", "interval", m.interval, "grace", m.grace)

		m.refreshIfNeeded(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refreshIfNeeded(ctx)
			case <-ctx.Done():
				m.logger.Info("Token refresher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func (m *Manager) refreshIfNeeded(ctx context.Context) {
	if ctx.Err() != nil || !m.NeedsRefresh() {
		return
	}
	if _, err := m.Acquire(ctx); err != nil {
		m.logger.Error("Background token refresh failed", "error", err)
	}
}
