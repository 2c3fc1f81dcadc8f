package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dashflow/dashflow-go/log"
)

const (
	checkpointsDir = "checkpoints"
	indexFileName  = "index.bin"
	binExt         = ".bin"
	tmpExt         = ".tmp"
)

// File is the file-system Checkpointer.
//
// Layout under the root directory:
//
//	<root>/index.bin                     thread_id -> (latest_id, updated_at)
//	<root>/checkpoints/<ulid>.bin        one envelope per file
//
// Save durability protocol:
//  1. Encode the envelope (CRC inside the frame).
//  2. Write <id>.bin.tmp, fsync, rename to <id>.bin.
//  3. Update the in-memory index.
//  4. Write index.bin.tmp, fsync, rename to index.bin.
//
// Rename is atomic on the supported filesystems, so a crash leaves
// either the old or the new index visible, never a partial one. A crash
// between steps 2 and 4 leaves a checkpoint file the on-disk index does
// not know about; the recovery scan in NewFile promotes it. Recovery
// also drops .tmp leftovers and garbage-collects files whose thread is
// no longer indexed.
//
// LoadLatest is O(1) through the index; an index write failure is fatal
// to the instance (subsequent operations return ErrBackendFailed).
type File struct {
	root     string
	maxBytes int
	logger   log.Logger

	mu     sync.Mutex
	index  map[string]indexEntry
	failed bool
}

type indexEntry struct {
	CheckpointID string `cbor:"checkpoint_id"`
	UpdatedAt    uint64 `cbor:"updated_at"`
}

// FileOption configures a File checkpointer.
type FileOption func(*File)

// WithLogger sets the diagnostic logger used for recovery and fallback
// warnings. Default: the shared golog logger (log.Default).
func WithLogger(logger log.Logger) FileOption {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMaxEnvelopeBytes overrides the envelope size cap.
func WithMaxEnvelopeBytes(n int) FileOption {
	return func(f *File) { f.maxBytes = n }
}

// NewFile opens (or creates) a file checkpointer rooted at dir and runs
// the recovery scan, restoring the invariant that every indexed ID
// refers to a decodable checkpoint file.
func NewFile(dir string, opts ...FileOption) (*File, error) {
	f := &File{
		root:   dir,
		logger: log.Default(),
		index:  make(map[string]indexEntry),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(filepath.Join(dir, checkpointsDir), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}

	if err := f.recover(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) checkpointPath(id string) string {
	return filepath.Join(f.root, checkpointsDir, id+binExt)
}

func (f *File) indexPath() string {
	return filepath.Join(f.root, indexFileName)
}

// Save persists the envelope per the durability protocol above.
func (f *File) Save(ctx context.Context, env *Envelope) error {
	if err := validateForSave(env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := env.Encode(f.maxBytes)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return ErrBackendFailed
	}

	if err := writeFileAtomic(f.checkpointPath(env.CheckpointID), data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", env.CheckpointID, err)
	}

	prev, hadPrev := f.index[env.ThreadID]
	entry := indexEntry{
		CheckpointID: env.CheckpointID,
		UpdatedAt:    uint64(env.CreatedAt.UnixNano()), // #nosec G115 -- timestamps are post-1970
	}
	// Never move the index backwards: a slow save racing a newer one on
	// the same thread must not demote the latest pointer.
	if hadPrev && prev.UpdatedAt > entry.UpdatedAt {
		return nil
	}
	f.index[env.ThreadID] = entry

	if err := f.persistIndexLocked(); err != nil {
		f.failed = true
		f.index[env.ThreadID] = prev
		if !hadPrev {
			delete(f.index, env.ThreadID)
		}
		return fmt.Errorf("%w: index write: %v", ErrBackendFailed, err)
	}
	return nil
}

// Load retrieves one checkpoint by ID.
func (f *File) Load(ctx context.Context, checkpointID string) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	failed := f.failed
	f.mu.Unlock()
	if failed {
		return nil, ErrBackendFailed
	}

	return f.readEnvelope(checkpointID)
}

func (f *File) readEnvelope(checkpointID string) (*Envelope, error) {
	data, err := os.ReadFile(f.checkpointPath(checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", checkpointID, err)
	}
	return Decode(data, f.maxBytes)
}

// LoadLatest retrieves the most recent checkpoint for the thread. When
// the indexed file fails to decode, it falls back to the previous sound
// checkpoint and logs a warning.
func (f *File) LoadLatest(ctx context.Context, threadID string) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return nil, ErrBackendFailed
	}
	entry, ok := f.index[threadID]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	env, err := f.readEnvelope(entry.CheckpointID)
	if err == nil {
		return env, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	f.logger.Warn("checkpoint corrupt, trying previous",
		log.Thread(threadID), log.Checkpoint(entry.CheckpointID), log.Err(err))

	prev, prevErr := f.previousSound(threadID, entry.CheckpointID)
	if prevErr != nil {
		return nil, err
	}
	return prev, nil
}

// previousSound scans the thread's checkpoint files for the newest
// decodable envelope older than skipID.
func (f *File) previousSound(threadID, skipID string) (*Envelope, error) {
	ids, err := f.listCheckpointIDs()
	if err != nil {
		return nil, err
	}
	// ULIDs sort by time, so walking IDs in reverse visits newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	for _, id := range ids {
		if id >= skipID {
			continue
		}
		env, err := f.readEnvelope(id)
		if err != nil {
			continue
		}
		if env.ThreadID == threadID {
			return env, nil
		}
	}
	return nil, ErrNotFound
}

// ListThreads returns thread summaries from the index, counting files by
// a directory scan.
func (f *File) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return nil, ErrBackendFailed
	}
	infos := make([]ThreadInfo, 0, len(f.index))
	for threadID, entry := range f.index {
		infos = append(infos, ThreadInfo{
			ThreadID:           threadID,
			LatestCheckpointID: entry.CheckpointID,
			UpdatedAt:          time.Unix(0, int64(entry.UpdatedAt)), // #nosec G115 -- encoded from UnixNano
		})
	}
	f.mu.Unlock()

	counts, err := f.countByThread()
	if err == nil {
		for i := range infos {
			infos[i].Count = counts[infos[i].ThreadID]
		}
	}

	sortThreadInfos(infos)
	return infos, nil
}

// DeleteThread removes the index entry first (the atomic commit point),
// then best-effort unlinks the thread's files. Files that survive a
// failed unlink are orphans and are collected by the next recovery scan.
func (f *File) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.failed {
		f.mu.Unlock()
		return ErrBackendFailed
	}
	prev, existed := f.index[threadID]
	if !existed {
		f.mu.Unlock()
		return nil
	}
	delete(f.index, threadID)
	if err := f.persistIndexLocked(); err != nil {
		f.failed = true
		f.index[threadID] = prev
		f.mu.Unlock()
		return fmt.Errorf("%w: index write: %v", ErrBackendFailed, err)
	}
	f.mu.Unlock()

	ids, err := f.listCheckpointIDs()
	if err != nil {
		return nil
	}
	for _, id := range ids {
		env, err := f.readEnvelope(id)
		if err != nil {
			continue
		}
		if env.ThreadID != threadID {
			continue
		}
		if err := os.Remove(f.checkpointPath(id)); err != nil {
			f.logger.Warn("delete: unlink failed",
				log.Thread(threadID), log.Checkpoint(id), log.Err(err))
		}
	}
	return nil
}

// recover reconciles the on-disk index with the checkpoints directory:
// drops .tmp leftovers, promotes files newer than the index entry,
// demotes index entries whose file is missing or corrupt, and collects
// files for threads no longer indexed.
func (f *File) recover() error {
	indexReadable := true
	onDisk, err := f.loadIndexFile()
	if err != nil {
		f.logger.Warn("index unreadable, rebuilding from scan", log.Err(err))
		onDisk = make(map[string]indexEntry)
		indexReadable = false
	}
	f.index = onDisk

	entries, err := os.ReadDir(filepath.Join(f.root, checkpointsDir))
	if err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}

	// newest decodable envelope per thread found on disk
	type scanHit struct {
		id        string
		createdAt uint64
	}
	newest := make(map[string]scanHit)
	threadFiles := make(map[string][]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpExt) {
			if err := os.Remove(filepath.Join(f.root, checkpointsDir, name)); err != nil {
				f.logger.Warn("recovery: tmp unlink failed", log.Path(name), log.Err(err))
			}
			continue
		}
		if !strings.HasSuffix(name, binExt) {
			continue
		}
		id := strings.TrimSuffix(name, binExt)
		env, err := f.readEnvelope(id)
		if err != nil {
			f.logger.Warn("recovery: checkpoint does not decode", log.Path(name), log.Err(err))
			continue
		}
		createdAt := uint64(env.CreatedAt.UnixNano()) // #nosec G115 -- encoded from UnixNano
		threadFiles[env.ThreadID] = append(threadFiles[env.ThreadID], id)
		if hit, ok := newest[env.ThreadID]; !ok || createdAt > hit.createdAt ||
			(createdAt == hit.createdAt && id > hit.id) {
			newest[env.ThreadID] = scanHit{id: id, createdAt: createdAt}
		}
	}

	changed := false

	// An unreadable index is rebuilt wholesale from the scan: every
	// thread with a decodable file gets an entry. Orphan collection is
	// skipped because deletion history is unknowable here.
	if !indexReadable {
		for threadID, hit := range newest {
			f.index[threadID] = indexEntry{CheckpointID: hit.id, UpdatedAt: hit.createdAt}
		}
		if len(f.index) > 0 {
			if err := f.persistIndexLocked(); err != nil {
				return fmt.Errorf("persist rebuilt index: %w", err)
			}
		}
		return nil
	}

	// Promote or demote indexed threads to the newest decodable file.
	for threadID, entry := range f.index {
		hit, ok := newest[threadID]
		if !ok {
			f.logger.Warn("recovery: no decodable checkpoint, dropping index entry",
				log.Thread(threadID))
			delete(f.index, threadID)
			changed = true
			continue
		}
		if hit.id != entry.CheckpointID {
			f.logger.Warn("recovery: promoting newer checkpoint",
				log.Thread(threadID), log.Checkpoint(hit.id), log.F("indexed", entry.CheckpointID))
			f.index[threadID] = indexEntry{CheckpointID: hit.id, UpdatedAt: hit.createdAt}
			changed = true
		}
	}

	// Files for threads the index does not know are orphans from an
	// interrupted DeleteThread; collect them.
	for threadID, ids := range threadFiles {
		if _, ok := f.index[threadID]; ok {
			continue
		}
		for _, id := range ids {
			f.logger.Warn("recovery: collecting orphaned checkpoint",
				log.Thread(threadID), log.Checkpoint(id))
			if err := os.Remove(f.checkpointPath(id)); err != nil {
				f.logger.Warn("recovery: unlink failed", log.Checkpoint(id), log.Err(err))
			}
		}
	}

	if changed {
		if err := f.persistIndexLocked(); err != nil {
			return fmt.Errorf("persist recovered index: %w", err)
		}
	}
	return nil
}

func (f *File) loadIndexFile() (map[string]indexEntry, error) {
	data, err := os.ReadFile(f.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]indexEntry), nil
		}
		return nil, err
	}
	payload, _, err := decodeFrame(data, magicIndex, 0)
	if err != nil {
		return nil, err
	}
	index := make(map[string]indexEntry)
	if err := headerDecMode.Unmarshal(payload, &index); err != nil {
		return nil, fmt.Errorf("%w: index payload: %v", ErrCorrupt, err)
	}
	return index, nil
}

// persistIndexLocked serializes the index and atomically replaces
// index.bin. Callers hold f.mu (or have exclusive access during open).
func (f *File) persistIndexLocked() error {
	payload, err := headerEncMode.Marshal(f.index)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	framed := encodeFrame(magicIndex, payload, nil)
	return writeFileAtomic(f.indexPath(), framed)
}

func (f *File) listCheckpointIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, checkpointsDir))
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, binExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, binExt))
	}
	return ids, nil
}

func (f *File) countByThread() (map[string]int, error) {
	ids, err := f.listCheckpointIDs()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, id := range ids {
		env, err := f.readEnvelope(id)
		if err != nil {
			continue
		}
		counts[env.ThreadID]++
	}
	return counts, nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrVersionSkew)
}

// writeFileAtomic writes data to path via tmp+fsync+rename so readers
// only ever see a complete file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + tmpExt
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304 -- path derived from validated IDs
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
