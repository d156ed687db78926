// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/gigachat-relay/internal/domain"
)

// Repository persists exchange metadata. Message content and conversation
// history are never stored.
type Repository interface {
	// Record appends one exchange to the journal and sets its ID.
	Record(ctx context.Context, ex *domain.Exchange) error

	// Recent returns the newest exchanges, most recent first.
	Recent(ctx context.Context, limit int) ([]*domain.Exchange, error)

	// Stats aggregates exchanges created at or after since.
	Stats(ctx context.Context, since time.Time) (*domain.ExchangeStats, error)

	// Prune deletes exchanges created before cutoff and returns the number removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
