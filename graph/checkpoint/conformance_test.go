package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runCheckpointerConformance exercises the shared Checkpointer contract
// against one backend. Every backend test file calls it.
func runCheckpointerConformance(t *testing.T, open func(t *testing.T) Checkpointer) {
	t.Helper()
	ctx := context.Background()

	newEnv := func(threadID string, createdAt time.Time, state string) *Envelope {
		return &Envelope{
			CheckpointID: NewID(),
			ThreadID:     threadID,
			CreatedAt:    createdAt,
			Iteration:    1,
			Frontier:     []string{"next"},
			LastNode:     "prev",
			State:        []byte(state),
		}
	}

	t.Run("save then load by id", func(t *testing.T) {
		ckpt := open(t)
		env := newEnv("t1", time.Now(), "state-1")
		if err := ckpt.Save(ctx, env); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := ckpt.Load(ctx, env.CheckpointID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.ThreadID != "t1" || !bytes.Equal(loaded.State, []byte("state-1")) {
			t.Errorf("loaded = %+v", loaded)
		}
		if loaded.CreatedAt.UnixNano() != env.CreatedAt.UnixNano() {
			t.Errorf("created_at = %v, want %v", loaded.CreatedAt, env.CreatedAt)
		}
	})

	t.Run("load unknown id", func(t *testing.T) {
		ckpt := open(t)
		if _, err := ckpt.Load(ctx, NewID()); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("load latest unknown thread", func(t *testing.T) {
		ckpt := open(t)
		if _, err := ckpt.LoadLatest(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("load latest returns most recent", func(t *testing.T) {
		ckpt := open(t)
		base := time.Now()
		for i := 0; i < 3; i++ {
			env := newEnv("t1", base.Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("state-%d", i))
			if err := ckpt.Save(ctx, env); err != nil {
				t.Fatalf("Save %d failed: %v", i, err)
			}
		}

		latest, err := ckpt.LoadLatest(ctx, "t1")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if !bytes.Equal(latest.State, []byte("state-2")) {
			t.Errorf("latest state = %q, want state-2", latest.State)
		}
	})

	t.Run("save rejects incomplete envelope", func(t *testing.T) {
		ckpt := open(t)
		if err := ckpt.Save(ctx, &Envelope{CheckpointID: NewID()}); err == nil {
			t.Error("expected error for missing thread id")
		}
		if err := ckpt.Save(ctx, nil); err == nil {
			t.Error("expected error for nil envelope")
		}
	})

	t.Run("threads are independent", func(t *testing.T) {
		ckpt := open(t)
		now := time.Now()
		_ = ckpt.Save(ctx, newEnv("t1", now, "one"))
		_ = ckpt.Save(ctx, newEnv("t2", now.Add(time.Millisecond), "two"))

		one, err := ckpt.LoadLatest(ctx, "t1")
		if err != nil || !bytes.Equal(one.State, []byte("one")) {
			t.Errorf("t1 latest = %v, %v", one, err)
		}
		two, err := ckpt.LoadLatest(ctx, "t2")
		if err != nil || !bytes.Equal(two.State, []byte("two")) {
			t.Errorf("t2 latest = %v, %v", two, err)
		}
	})

	t.Run("list threads ordering and counts", func(t *testing.T) {
		ckpt := open(t)
		base := time.Now()
		_ = ckpt.Save(ctx, newEnv("old", base, "a"))
		_ = ckpt.Save(ctx, newEnv("fresh", base.Add(10*time.Millisecond), "b"))
		_ = ckpt.Save(ctx, newEnv("fresh", base.Add(20*time.Millisecond), "c"))

		infos, err := ckpt.ListThreads(ctx)
		if err != nil {
			t.Fatalf("ListThreads failed: %v", err)
		}
		if len(infos) != 2 {
			t.Fatalf("thread count = %d, want 2: %+v", len(infos), infos)
		}
		if infos[0].ThreadID != "fresh" || infos[1].ThreadID != "old" {
			t.Errorf("order = [%s %s], want [fresh old]", infos[0].ThreadID, infos[1].ThreadID)
		}
		if infos[0].Count != 2 || infos[1].Count != 1 {
			t.Errorf("counts = [%d %d], want [2 1]", infos[0].Count, infos[1].Count)
		}
		if infos[0].LatestCheckpointID == "" {
			t.Error("missing latest checkpoint id")
		}
	})

	t.Run("delete thread removes everything", func(t *testing.T) {
		ckpt := open(t)
		now := time.Now()
		env := newEnv("doomed", now, "a")
		_ = ckpt.Save(ctx, env)
		_ = ckpt.Save(ctx, newEnv("doomed", now.Add(time.Millisecond), "b"))
		_ = ckpt.Save(ctx, newEnv("survivor", now, "c"))

		if err := ckpt.DeleteThread(ctx, "doomed"); err != nil {
			t.Fatalf("DeleteThread failed: %v", err)
		}
		if _, err := ckpt.LoadLatest(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
			t.Errorf("latest after delete: err = %v, want ErrNotFound", err)
		}
		if _, err := ckpt.Load(ctx, env.CheckpointID); !errors.Is(err, ErrNotFound) {
			t.Errorf("load after delete: err = %v, want ErrNotFound", err)
		}
		if _, err := ckpt.LoadLatest(ctx, "survivor"); err != nil {
			t.Errorf("unrelated thread affected: %v", err)
		}

		// Deleting an absent thread is not an error.
		if err := ckpt.DeleteThread(ctx, "never-existed"); err != nil {
			t.Errorf("delete of unknown thread: %v", err)
		}
	})

	t.Run("concurrent saves on one thread", func(t *testing.T) {
		ckpt := open(t)
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				env := newEnv("hot", time.Now(), fmt.Sprintf("w%d", i))
				if err := ckpt.Save(ctx, env); err != nil {
					t.Errorf("concurrent Save failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		latest, err := ckpt.LoadLatest(ctx, "hot")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if len(latest.State) == 0 {
			t.Error("latest has empty state")
		}
		infos, err := ckpt.ListThreads(ctx)
		if err != nil {
			t.Fatalf("ListThreads failed: %v", err)
		}
		if len(infos) != 1 || infos[0].Count != writers {
			t.Errorf("infos = %+v, want one thread with %d checkpoints", infos, writers)
		}
	})
}
