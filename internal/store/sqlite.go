package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/gigachat-relay/internal/domain"
)

const (
	writeTimeout   = 5 * time.Second
	maxRetries     = 3
	baseRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the admin API read while the relay writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		operation TEXT NOT NULL,
		outcome TEXT NOT NULL,
		auth_retried INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts an exchange, retrying with exponential backoff while the
// database is busy.
func (s *SQLiteStore) Record(ctx context.Context, ex *domain.Exchange) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO exchanges (conversation_id, operation, outcome, auth_retried, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		res, err := s.db.ExecContext(ctx, query,
			ex.ConversationID,
			string(ex.Operation),
			ex.Outcome,
			boolToInt(ex.AuthRetried),
			ex.Duration.Milliseconds(),
			ex.CreatedAt.UnixMilli(),
		)
		if err == nil {
			if id, idErr := res.LastInsertId(); idErr == nil {
				ex.ID = id
			}
			return nil
		}
		lastErr = err

		if !IsConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseRetryDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Exchange insert hit a busy database, retrying",
			"conversation_id", ex.ConversationID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("record exchange: %w", ctx.Err())
		}
	}
	return fmt.Errorf("record exchange: %w", lastErr)
}

// Recent returns the newest exchanges, most recent first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*domain.Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, operation, outcome, auth_retried, duration_ms, created_at
		FROM exchanges ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []*domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var op string
		var retried int
		var durationMS, createdAt int64
		if err := rows.Scan(&ex.ID, &ex.ConversationID, &op, &ex.Outcome, &retried, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		ex.Operation = domain.Operation(op)
		ex.AuthRetried = retried != 0
		ex.Duration = time.Duration(durationMS) * time.Millisecond
		ex.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// Stats aggregates exchanges created at or after since.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*domain.ExchangeStats, error) {
	query := `
		SELECT outcome, COUNT(*), COALESCE(SUM(auth_retried), 0)
		FROM exchanges WHERE created_at >= ? GROUP BY outcome`

	rows, err := s.db.QueryContext(ctx, query, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query exchange stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.ExchangeStats{Since: since, ByOutcome: make(map[string]int64)}
	for rows.Next() {
		var outcome string
		var count, retried int64
		if err := rows.Scan(&outcome, &count, &retried); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByOutcome[outcome] = count
		stats.Total += count
		stats.Retried += retried
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Prune deletes exchanges created before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
