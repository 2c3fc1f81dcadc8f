package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dashflow/dashflow-go/log"
)

// sqlCheckpointer is the database/sql core shared by the SQLite and
// MySQL backends. Both dialects use ?-placeholders, so only the DDL
// differs between them.
type sqlCheckpointer struct {
	db       *sql.DB
	maxBytes int
	logger   log.Logger
}

func (s *sqlCheckpointer) save(ctx context.Context, env *Envelope) error {
	if err := validateForSave(env); err != nil {
		return err
	}
	data, err := env.Encode(s.maxBytes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, thread_id, created_at, envelope) VALUES (?, ?, ?, ?)`,
		env.CheckpointID, env.ThreadID, env.CreatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", env.CheckpointID, err)
	}
	return nil
}

func (s *sqlCheckpointer) load(ctx context.Context, checkpointID string) (*Envelope, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM checkpoints WHERE checkpoint_id = ?`, checkpointID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	return Decode(data, s.maxBytes)
}

func (s *sqlCheckpointer) loadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, envelope FROM checkpoints
		 WHERE thread_id = ?
		 ORDER BY created_at DESC, checkpoint_id DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
		}
		env, decErr := Decode(data, s.maxBytes)
		if decErr == nil {
			if found {
				// A newer row failed to decode; this is the fallback.
				s.logger.Warn("falling back to earlier checkpoint",
					log.Thread(threadID), log.Checkpoint(id))
			}
			return env, nil
		}
		if !isCorrupt(decErr) {
			return nil, decErr
		}
		s.logger.Warn("checkpoint corrupt, skipping",
			log.Thread(threadID), log.Checkpoint(id), log.Err(decErr))
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
	}
	if found {
		return nil, fmt.Errorf("%w: no sound checkpoint for thread %s", ErrCorrupt, threadID)
	}
	return nil, ErrNotFound
}

func (s *sqlCheckpointer) listThreads(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *sqlCheckpointer) deleteThread(ctx context.Context, threadID string) error {
	// A single DELETE is one implicit transaction: all rows go or none.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *sqlCheckpointer) close() error {
	return s.db.Close()
}
