package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dashflow/dashflow-go/log"
)

// PgxPool is the slice of pgxpool.Pool the Postgres backend uses,
// extracted so tests can substitute a mock pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is a Checkpointer backed by PostgreSQL through pgx.
type Postgres struct {
	pool     PgxPool
	maxBytes int
	logger   log.Logger
}

// PostgresOptions configures the Postgres checkpointer.
type PostgresOptions struct {
	// ConnString is a pgx connection string or URL.
	ConnString string

	// MaxEnvelopeBytes overrides the envelope size cap.
	MaxEnvelopeBytes int

	// Logger for diagnostic warnings.
	Logger log.Logger
}

// NewPostgres creates a pool, verifies connectivity, and migrates the
// schema.
func NewPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	p := NewPostgresWithPool(pool, opts)
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithPool wraps an existing pool without touching the
// schema. Used by tests with a mock pool; production callers who manage
// migrations themselves can use it too.
func NewPostgresWithPool(pool PgxPool, opts PostgresOptions) *Postgres {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Postgres{
		pool:     pool,
		maxBytes: opts.MaxEnvelopeBytes,
		logger:   logger,
	}
}

func (p *Postgres) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		thread_id     TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		envelope      BYTEA NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
		ON checkpoints (thread_id, created_at DESC)`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

// Save persists the envelope.
func (p *Postgres) Save(ctx context.Context, env *Envelope) error {
	if err := validateForSave(env); err != nil {
		return err
	}
	data, err := env.Encode(p.maxBytes)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO checkpoints (checkpoint_id, thread_id, created_at, envelope) VALUES ($1, $2, $3, $4)`,
		env.CheckpointID, env.ThreadID, env.CreatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", env.CheckpointID, err)
	}
	return nil
}

// Load retrieves one checkpoint by ID.
func (p *Postgres) Load(ctx context.Context, checkpointID string) (*Envelope, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT envelope FROM checkpoints WHERE checkpoint_id = $1`, checkpointID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	return Decode(data, p.maxBytes)
}

// LoadLatest retrieves the most recent sound checkpoint for the thread,
// walking past corrupt rows.
func (p *Postgres) LoadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT checkpoint_id, envelope FROM checkpoints
		 WHERE thread_id = $1
		 ORDER BY created_at DESC, checkpoint_id DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	sawCorrupt := false
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
		}
		env, decErr := Decode(data, p.maxBytes)
		if decErr == nil {
			if sawCorrupt {
				p.logger.Warn("falling back to earlier checkpoint",
					log.Thread(threadID), log.Checkpoint(id))
			}
			return env, nil
		}
		if !isCorrupt(decErr) {
			return nil, decErr
		}
		sawCorrupt = true
		p.logger.Warn("checkpoint corrupt, skipping",
			log.Thread(threadID), log.Checkpoint(id), log.Err(decErr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
	}
	if sawCorrupt {
		return nil, fmt.Errorf("%w: no sound checkpoint for thread %s", ErrCorrupt, threadID)
	}
	return nil, ErrNotFound
}

// ListThreads returns thread summaries, most recently updated first.
func (p *Postgres) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT thread_id, checkpoint_id, created_at FROM checkpoints
		 ORDER BY thread_id, created_at DESC, checkpoint_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var infos []ThreadInfo
	for rows.Next() {
		var threadID, checkpointID string
		var createdAt int64
		if err := rows.Scan(&threadID, &checkpointID, &createdAt); err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		if n := len(infos); n > 0 && infos[n-1].ThreadID == threadID {
			infos[n-1].Count++
			continue
		}
		infos = append(infos, ThreadInfo{
			ThreadID:           threadID,
			LatestCheckpointID: checkpointID,
			UpdatedAt:          time.Unix(0, createdAt),
			Count:              1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	sortThreadInfos(infos)
	return infos, nil
}

// DeleteThread removes all checkpoints for the thread in one statement.
func (p *Postgres) DeleteThread(ctx context.Context, threadID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
