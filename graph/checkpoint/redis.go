package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dashflow/dashflow-go/log"
)

// Redis is a Checkpointer backed by Redis.
//
// Key layout under the configured prefix:
//
//	<prefix>cp:<checkpoint_id>   envelope bytes
//	<prefix>thread:<thread_id>   ZSET checkpoint_id scored by created_at
//	<prefix>threads              SET of known thread IDs
//
// Writes go through a pipeline so the envelope and both indexes land
// together; per-thread ordering comes from the ZSET score (creation
// time in nanoseconds).
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	maxBytes int
	logger   log.Logger
}

// RedisOptions configures the connection and key layout.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix defaults to "dashflow:".
	Prefix string

	// TTL expires checkpoint payloads; 0 keeps them forever.
	TTL time.Duration

	// MaxEnvelopeBytes overrides the envelope size cap.
	MaxEnvelopeBytes int

	// Logger for diagnostic warnings.
	Logger log.Logger
}

// NewRedis creates a Redis checkpointer with its own client.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(client, opts)
}

// NewRedisWithClient wraps an existing client, for callers that share a
// connection pool.
func NewRedisWithClient(client redis.UniversalClient, opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "dashflow:"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		ttl:      opts.TTL,
		maxBytes: opts.MaxEnvelopeBytes,
		logger:   logger,
	}
}

func (r *Redis) checkpointKey(id string) string {
	return r.prefix + "cp:" + id
}

func (r *Redis) threadKey(threadID string) string {
	return r.prefix + "thread:" + threadID
}

func (r *Redis) threadsKey() string {
	return r.prefix + "threads"
}

// Save persists the envelope and index entries in one pipeline.
func (r *Redis) Save(ctx context.Context, env *Envelope) error {
	if err := validateForSave(env); err != nil {
		return err
	}
	data, err := env.Encode(r.maxBytes)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.checkpointKey(env.CheckpointID), data, r.ttl)
	pipe.ZAdd(ctx, r.threadKey(env.ThreadID), redis.Z{
		Score:  float64(env.CreatedAt.UnixNano()),
		Member: env.CheckpointID,
	})
	pipe.SAdd(ctx, r.threadsKey(), env.ThreadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", env.CheckpointID, err)
	}
	return nil
}

// Load retrieves one checkpoint by ID.
func (r *Redis) Load(ctx context.Context, checkpointID string) (*Envelope, error) {
	data, err := r.client.Get(ctx, r.checkpointKey(checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", checkpointID, err)
	}
	return Decode(data, r.maxBytes)
}

// LoadLatest walks the thread's ZSET newest-first, falling back past
// corrupt or expired entries.
func (r *Redis) LoadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	ids, err := r.client.ZRevRange(ctx, r.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load latest for thread %s: %w", threadID, err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	sawCorrupt := false
	for i, id := range ids {
		env, err := r.Load(ctx, id)
		if err == nil {
			if i > 0 {
				r.logger.Warn("falling back to earlier checkpoint",
					log.Thread(threadID), log.Checkpoint(id))
			}
			return env, nil
		}
		if errors.Is(err, ErrNotFound) {
			// Payload expired under TTL; skip the dangling index entry.
			continue
		}
		if !isCorrupt(err) {
			return nil, err
		}
		sawCorrupt = true
		r.logger.Warn("checkpoint corrupt, skipping",
			log.Thread(threadID), log.Checkpoint(id), log.Err(err))
	}
	if sawCorrupt {
		return nil, fmt.Errorf("%w: no sound checkpoint for thread %s", ErrCorrupt, threadID)
	}
	return nil, ErrNotFound
}

// ListThreads returns thread summaries, most recently updated first.
func (r *Redis) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	threadIDs, err := r.client.SMembers(ctx, r.threadsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	infos := make([]ThreadInfo, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		latest, err := r.client.ZRevRangeWithScores(ctx, r.threadKey(threadID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		if len(latest) == 0 {
			continue
		}
		count, err := r.client.ZCard(ctx, r.threadKey(threadID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		id, _ := latest[0].Member.(string)
		infos = append(infos, ThreadInfo{
			ThreadID:           threadID,
			LatestCheckpointID: id,
			UpdatedAt:          time.Unix(0, int64(latest[0].Score)),
			Count:              int(count),
		})
	}
	sortThreadInfos(infos)
	return infos, nil
}

// DeleteThread removes the thread's envelopes and indexes in one
// pipeline.
func (r *Redis) DeleteThread(ctx context.Context, threadID string) error {
	ids, err := r.client.ZRange(ctx, r.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.checkpointKey(id))
	}
	pipe.Del(ctx, r.threadKey(threadID))
	pipe.SRem(ctx, r.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
