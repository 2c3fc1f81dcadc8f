package checkpoint

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	errEnvelopeNil       = errors.New("envelope is nil")
	errThreadIDEmpty     = errors.New("envelope thread id is empty")
	errCheckpointIDEmpty = errors.New("envelope checkpoint id is empty")
)

// Checkpointer is the durability contract shared by every backend.
//
// Ordering guarantee: within a single thread, Save calls are serialized;
// two concurrent saves on the same thread execute in some total order
// and LoadLatest returns the most recent. Saves on different threads are
// independent.
//
// LoadLatest applies local recovery: when the newest stored envelope for
// a thread fails to decode, backends fall back to the immediately
// previous checkpoint, log a warning, and return that if sound.
type Checkpointer interface {
	// Save persists the envelope. It returns only after durability is
	// established for the backend (fsync+rename for files, committed
	// transaction for databases).
	Save(ctx context.Context, env *Envelope) error

	// Load retrieves one checkpoint by ID. Returns ErrNotFound when the
	// ID is unknown, ErrCorrupt when stored bytes fail to decode.
	Load(ctx context.Context, checkpointID string) (*Envelope, error)

	// LoadLatest retrieves the most recent checkpoint for the thread,
	// with corrupt-latest fallback as described above.
	LoadLatest(ctx context.Context, threadID string) (*Envelope, error)

	// ListThreads returns every known thread, most recently updated
	// first (ties broken by thread ID).
	ListThreads(ctx context.Context) ([]ThreadInfo, error)

	// DeleteThread removes all checkpoints for the thread atomically:
	// after it returns, either every checkpoint is gone or none is.
	DeleteThread(ctx context.Context, threadID string) error
}

// ThreadInfo summarizes one thread for ListThreads.
type ThreadInfo struct {
	ThreadID           string
	LatestCheckpointID string
	UpdatedAt          time.Time

	// Count is the number of stored checkpoints, 0 when the backend
	// does not track it.
	Count int
}

// sortThreadInfos orders most-recently-updated first, thread ID as the
// tiebreaker, the order every backend returns from ListThreads.
func sortThreadInfos(infos []ThreadInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ThreadID < infos[j].ThreadID
	})
}

// validateForSave checks the invariants every backend requires of an
// envelope before persisting it.
func validateForSave(env *Envelope) error {
	if env == nil {
		return errEnvelopeNil
	}
	if env.ThreadID == "" {
		return errThreadIDEmpty
	}
	if env.CheckpointID == "" {
		return errCheckpointIDEmpty
	}
	return nil
}
