package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dashflow/dashflow-go/log"
)

// MySQL is a Checkpointer backed by a MySQL database, for deployments
// where checkpoints must survive the host.
//
// DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(localhost:3306)/dashflow?parseTime=true".
type MySQL struct {
	core sqlCheckpointer
}

// MySQLOption configures a MySQL checkpointer.
type MySQLOption func(*MySQL)

// WithMySQLLogger sets the diagnostic logger.
func WithMySQLLogger(logger log.Logger) MySQLOption {
	return func(m *MySQL) {
		if logger != nil {
			m.core.logger = logger
		}
	}
}

// WithMySQLMaxEnvelopeBytes overrides the envelope size cap.
func WithMySQLMaxEnvelopeBytes(n int) MySQLOption {
	return func(m *MySQL) { m.core.maxBytes = n }
}

// NewMySQL connects, verifies the connection, and migrates the schema.
func NewMySQL(dsn string, opts ...MySQLOption) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	m := &MySQL{core: sqlCheckpointer{
		db:     db,
		logger: log.Default(),
	}}
	for _, opt := range opts {
		opt(m)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id VARCHAR(32) PRIMARY KEY,
		thread_id     VARCHAR(255) NOT NULL,
		created_at    BIGINT NOT NULL,
		envelope      LONGBLOB NOT NULL,
		INDEX idx_checkpoints_thread (thread_id, created_at DESC)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql schema: %w", err)
	}

	return m, nil
}

// Save persists the envelope.
func (m *MySQL) Save(ctx context.Context, env *Envelope) error {
	return m.core.save(ctx, env)
}

// Load retrieves one checkpoint by ID.
func (m *MySQL) Load(ctx context.Context, checkpointID string) (*Envelope, error) {
	return m.core.load(ctx, checkpointID)
}

// LoadLatest retrieves the most recent sound checkpoint for the thread.
func (m *MySQL) LoadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	return m.core.loadLatest(ctx, threadID)
}

// ListThreads returns thread summaries, most recently updated first.
func (m *MySQL) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	return m.core.listThreads(ctx)
}

// DeleteThread removes all checkpoints for the thread atomically.
func (m *MySQL) DeleteThread(ctx context.Context, threadID string) error {
	return m.core.deleteThread(ctx, threadID)
}

// Close releases the connection pool.
func (m *MySQL) Close() error {
	return m.core.close()
}
