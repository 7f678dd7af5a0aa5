package refresh

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// scheduledRun is one planned execution of a task. The generation is
// captured at scheduling time; the registry drops runs whose task was
// re-registered in the meantime.
type scheduledRun struct {
	taskID     string
	generation uint64
	dueAt      time.Time
}

type runEntry struct {
	run   scheduledRun
	index int
}

type runHeap []*runEntry

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].run.dueAt.Equal(h[j].run.dueAt) {
		return h[i].run.taskID < h[j].run.taskID
	}
	return h[i].run.dueAt.Before(h[j].run.dueAt)
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x interface{}) {
	entry := x.(*runEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// runQueue is a thread-safe min-heap of planned executions, at most
// one per task.
type runQueue struct {
	mu      sync.Mutex
	entries map[string]*runEntry
	heap    runHeap
}

func newRunQueue() *runQueue {
	q := &runQueue{
		entries: make(map[string]*runEntry),
		heap:    make(runHeap, 0),
	}
	heap.Init(&q.heap)
	return q
}

// Upsert inserts or replaces the planned run for a task.
func (q *runQueue) Upsert(run scheduledRun) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[run.taskID]; ok {
		entry.run = run
		heap.Fix(&q.heap, entry.index)
		return
	}

	entry := &runEntry{run: run}
	heap.Push(&q.heap, entry)
	q.entries[run.taskID] = entry
}

// Remove drops the planned run for a task, if any.
func (q *runQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return
	}
	heap.Remove(&q.heap, entry.index)
	delete(q.entries, taskID)
}

// WaitNext blocks until a run is due or the context is cancelled.
// Waits are capped so newly upserted earlier runs are noticed quickly.
func (q *runQueue) WaitNext(ctx context.Context) (scheduledRun, bool) {
	for {
		select {
		case <-ctx.Done():
			return scheduledRun{}, false
		default:
		}

		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return scheduledRun{}, false
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		entry := q.heap[0]
		delay := time.Until(entry.run.dueAt)
		if delay <= 0 {
			heap.Pop(&q.heap)
			delete(q.entries, entry.run.taskID)
			run := entry.run
			q.mu.Unlock()
			return run, true
		}

		q.mu.Unlock()
		if delay > 50*time.Millisecond {
			delay = 50 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scheduledRun{}, false
		case <-timer.C:
		}
	}
}

// Size returns the number of planned runs.
func (q *runQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
