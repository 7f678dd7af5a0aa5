package refresh

import (
	"context"
	"testing"
	"time"
)

func TestRunQueueUpsertReplaces(t *testing.T) {
	q := newRunQueue()
	now := time.Now()
	q.Upsert(scheduledRun{taskID: "a", generation: 1, dueAt: now.Add(time.Hour)})
	q.Upsert(scheduledRun{taskID: "a", generation: 2, dueAt: now})

	if got := q.Size(); got != 1 {
		t.Fatalf("size after upsert of same task = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	run, ok := q.WaitNext(ctx)
	if !ok {
		t.Fatal("WaitNext returned no run")
	}
	if run.generation != 2 {
		t.Fatalf("got generation %d, want the replacing run's 2", run.generation)
	}
	if got := q.Size(); got != 0 {
		t.Fatalf("size after pop = %d, want 0", got)
	}
}

func TestRunQueueOrdersByDueTime(t *testing.T) {
	q := newRunQueue()
	now := time.Now()
	q.Upsert(scheduledRun{taskID: "late", generation: 1, dueAt: now.Add(40 * time.Millisecond)})
	q.Upsert(scheduledRun{taskID: "early", generation: 1, dueAt: now.Add(5 * time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, ok := q.WaitNext(ctx)
	if !ok || first.taskID != "early" {
		t.Fatalf("first run = %+v ok=%v, want early", first, ok)
	}
	second, ok := q.WaitNext(ctx)
	if !ok || second.taskID != "late" {
		t.Fatalf("second run = %+v ok=%v, want late", second, ok)
	}
}

func TestRunQueueWaitsUntilDue(t *testing.T) {
	q := newRunQueue()
	q.Upsert(scheduledRun{taskID: "a", generation: 1, dueAt: time.Now().Add(80 * time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if _, ok := q.WaitNext(ctx); !ok {
		t.Fatal("WaitNext returned no run")
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("run delivered after %v, before its due time", elapsed)
	}
}

func TestRunQueueRemove(t *testing.T) {
	q := newRunQueue()
	now := time.Now()
	q.Upsert(scheduledRun{taskID: "a", generation: 1, dueAt: now})
	q.Upsert(scheduledRun{taskID: "b", generation: 1, dueAt: now.Add(time.Hour)})

	q.Remove("b")
	q.Remove("missing")
	if got := q.Size(); got != 1 {
		t.Fatalf("size after remove = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	run, ok := q.WaitNext(ctx)
	if !ok || run.taskID != "a" {
		t.Fatalf("remaining run = %+v ok=%v, want a", run, ok)
	}
}

func TestRunQueueWaitNextHonorsContext(t *testing.T) {
	q := newRunQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, ok := q.WaitNext(ctx); ok {
		t.Fatal("WaitNext returned a run from an empty queue")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("WaitNext held for %v after context expiry", elapsed)
	}
}

func TestRunQueueNoticesEarlierUpsert(t *testing.T) {
	q := newRunQueue()
	q.Upsert(scheduledRun{taskID: "slow", generation: 1, dueAt: time.Now().Add(time.Hour)})

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Upsert(scheduledRun{taskID: "fast", generation: 1, dueAt: time.Now()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, ok := q.WaitNext(ctx)
	if !ok || run.taskID != "fast" {
		t.Fatalf("got %+v ok=%v, want the late-added fast run", run, ok)
	}
}
