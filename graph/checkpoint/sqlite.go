package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dashflow/dashflow-go/log"
)

// SQLite is a single-file Checkpointer backed by modernc.org/sqlite
// (no CGo).
//
// Designed for local workflows that need durability without a server:
// zero setup, one database file, WAL mode so readers do not block the
// writer. Use ":memory:" for tests.
type SQLite struct {
	core sqlCheckpointer
}

// SQLiteOption configures a SQLite checkpointer.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets the diagnostic logger.
func WithSQLiteLogger(logger log.Logger) SQLiteOption {
	return func(s *SQLite) {
		if logger != nil {
			s.core.logger = logger
		}
	}
}

// WithSQLiteMaxEnvelopeBytes overrides the envelope size cap.
func WithSQLiteMaxEnvelopeBytes(n int) SQLiteOption {
	return func(s *SQLite) { s.core.maxBytes = n }
}

// NewSQLite opens (or creates) the database at path and migrates the
// schema.
func NewSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLite{core: sqlCheckpointer{
		db:     db,
		logger: log.Default(),
	}}
	for _, opt := range opts {
		opt(s)
	}

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		thread_id     TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		envelope      BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
		ON checkpoints (thread_id, created_at DESC);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return s, nil
}

// Save persists the envelope in one transaction.
func (s *SQLite) Save(ctx context.Context, env *Envelope) error {
	return s.core.save(ctx, env)
}

// Load retrieves one checkpoint by ID.
func (s *SQLite) Load(ctx context.Context, checkpointID string) (*Envelope, error) {
	return s.core.load(ctx, checkpointID)
}

// LoadLatest retrieves the most recent sound checkpoint for the thread.
func (s *SQLite) LoadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	return s.core.loadLatest(ctx, threadID)
}

// ListThreads returns thread summaries, most recently updated first.
func (s *SQLite) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	return s.core.listThreads(ctx)
}

// DeleteThread removes all checkpoints for the thread atomically.
func (s *SQLite) DeleteThread(ctx context.Context, threadID string) error {
	return s.core.deleteThread(ctx, threadID)
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.core.close()
}
