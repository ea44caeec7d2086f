package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Bootstrap(t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func enqueue(t *testing.T, st *state.Store, kind, payload string) string {
	t.Helper()
	j := &model.Job{ID: uuid.NewString(), Kind: kind, Payload: payload}
	if err := st.EnqueueJob(j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j.ID
}

func waitStatus(t *testing.T, st *state.Store, id, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var status string
		err := st.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if err == nil && status == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func TestDispatcher_RunsAndFinishesJobs(t *testing.T) {
	st := newTestStore(t)
	d := NewDispatcher(st, 2)

	var ran atomic.Int32
	d.Register("noop", func(_ context.Context, job *model.Job) error {
		ran.Add(1)
		return nil
	})
	d.Register("boom", func(context.Context, *model.Job) error {
		return errors.New("handler exploded")
	})

	okID := enqueue(t, st, "noop", `{}`)
	badID := enqueue(t, st, "boom", `{}`)
	noneID := enqueue(t, st, "unknown", `{}`)

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitStatus(t, st, okID, model.JobDone)
	waitStatus(t, st, badID, model.JobError)
	waitStatus(t, st, noneID, model.JobError)

	if ran.Load() != 1 {
		t.Fatalf("noop handler ran %d times", ran.Load())
	}
}

func TestDispatcher_BoundsParallelism(t *testing.T) {
	st := newTestStore(t)
	d := NewDispatcher(st, 2)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	d.Register("slow", func(_ context.Context, _ *model.Job) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, st, "slow", `{}`))
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(4 * time.Second) // a few ticks
	close(release)
	for _, id := range ids {
		waitStatus(t, st, id, model.JobDone)
	}
	d.Stop()

	if peak > 2 {
		t.Fatalf("parallelism exceeded: peak %d", peak)
	}
}

func TestDispatcher_StopInterruptsSaturatedTick(t *testing.T) {
	st := newTestStore(t)
	d := NewDispatcher(st, 1)

	var ran atomic.Int32
	release := make(chan struct{})
	d.Register("slow", func(context.Context, *model.Job) error {
		ran.Add(1)
		<-release
		return nil
	})

	firstID := enqueue(t, st, "slow", `{}`)
	secondID := enqueue(t, st, "slow", `{}`)
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first job occupies the only slot; a later tick takes the
	// second and parks its launch on the saturated semaphore.
	waitStatus(t, st, firstID, model.JobRunning)
	waitStatus(t, st, secondID, model.JobRunning)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for d.ctx.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("stop never cancelled the dispatcher context")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("stop hung on the saturated tick")
	}

	if ran.Load() != 1 {
		t.Fatalf("second job ran during shutdown, handler ran %d times", ran.Load())
	}
	// The interrupted job stays marked running for the next Start to
	// requeue.
	waitStatus(t, st, firstID, model.JobDone)
	waitStatus(t, st, secondID, model.JobRunning)
}

func TestDispatcher_RequeuesOrphans(t *testing.T) {
	st := newTestStore(t)
	id := enqueue(t, st, "noop", `{}`)
	if _, err := st.TakePendingJobs(1); err != nil {
		t.Fatalf("take: %v", err)
	}

	d := NewDispatcher(st, 1)
	d.Register("noop", func(context.Context, *model.Job) error { return nil })
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	waitStatus(t, st, id, model.JobDone)
}
