package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dashflow/dashflow-go/log"
)

func newSQLiteCheckpointer(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ckpt, err := NewSQLite(path, WithSQLiteLogger(log.Nop{}))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = ckpt.Close() })
	return ckpt
}

func TestSQLite_Conformance(t *testing.T) {
	runCheckpointerConformance(t, func(t *testing.T) Checkpointer {
		return newSQLiteCheckpointer(t)
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	ckpt, err := NewSQLite(path, WithSQLiteLogger(log.Nop{}))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	env := &Envelope{CheckpointID: NewID(), ThreadID: "t1", CreatedAt: time.Now(), State: []byte("durable")}
	if err := ckpt.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ckpt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLite(path, WithSQLiteLogger(log.Nop{}))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadLatest after reopen failed: %v", err)
	}
	if loaded.CheckpointID != env.CheckpointID {
		t.Errorf("loaded id = %s, want %s", loaded.CheckpointID, env.CheckpointID)
	}
}

func TestSQLite_DuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	ckpt := newSQLiteCheckpointer(t)

	env := &Envelope{CheckpointID: NewID(), ThreadID: "t1", CreatedAt: time.Now(), State: []byte("x")}
	if err := ckpt.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := ckpt.Save(ctx, env); err == nil {
		t.Error("duplicate checkpoint id accepted")
	}
}

func TestSQLite_OversizeEnvelopeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ckpt, err := NewSQLite(path, WithSQLiteLogger(log.Nop{}), WithSQLiteMaxEnvelopeBytes(256))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer ckpt.Close()

	env := &Envelope{
		CheckpointID: NewID(), ThreadID: "t1", CreatedAt: time.Now(),
		State: make([]byte, 1024),
	}
	if err := ckpt.Save(context.Background(), env); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}
