package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/reconcile"
)

// recordingSink captures engine output for assertions.
type recordingSink struct {
	mu       sync.Mutex
	deltas   []models.Delta
	errs     []models.TaskError
	statuses []models.TaskStatus
}

func (s *recordingSink) PublishDelta(d models.Delta, _ models.Liveness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, d)
}

func (s *recordingSink) PublishTaskError(e models.TaskError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
}

func (s *recordingSink) PublishTaskStatus(st models.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) deltaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deltas)
}

func (s *recordingSink) taskErrors() []models.TaskError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TaskError, len(s.errs))
	copy(out, s.errs)
	return out
}

func (s *recordingSink) sawMultiplier(task string, multiplier int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st.ID == task && st.BackoffMultiplier == multiplier {
			return true
		}
	}
	return false
}

func newTestRegistry(t *testing.T, sink Sink, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(cfg, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testNode(id string, cpu float64) models.Node {
	return models.Node{ID: id, Name: id, Status: "online", CPU: cpu}
}

func TestRegistryStartFetchesImmediatelyThenRecurs(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var calls atomic.Int64
	err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 25 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			calls.Add(1)
			return []models.Entity{testNode("node/pve1", 0.4)}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "no immediate fetch", func() bool { return calls.Load() >= 1 })
	waitFor(t, 3*time.Second, "polling did not recur", func() bool { return calls.Load() >= 3 })

	waitFor(t, time.Second, "no delta published", func() bool { return sink.deltaCount() >= 1 })
	sink.mu.Lock()
	first := sink.deltas[0]
	sink.mu.Unlock()
	if len(first.Added) != 1 || len(first.Removed) != 0 || len(first.Updated) != 0 {
		t.Fatalf("first delta = %+v, want one addition", first)
	}

	status, ok := r.TaskStatus("node-pve1")
	if !ok || status.State != models.TaskStateRunning {
		t.Fatalf("status = %+v ok=%v, want running", status, ok)
	}
	if status.Entities != 1 {
		t.Fatalf("status entities = %d, want 1", status.Entities)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	fetch := func(ctx context.Context) ([]models.Entity, error) { return nil, nil }

	cases := []struct {
		name string
		cfg  TaskConfig
	}{
		{"missing id", TaskConfig{Kind: models.KindNode, Interval: time.Second, Fetch: fetch}},
		{"missing fetch", TaskConfig{ID: "a", Interval: time.Second}},
		{"missing interval", TaskConfig{ID: "a", Fetch: fetch}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.cfg); err == nil {
				t.Fatal("Register accepted invalid config")
			}
		})
	}
}

func TestRegistryUnknownTask(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)

	if err := r.Start("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Start err = %v, want ErrUnknownTask", err)
	}
	if err := r.Pause("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Pause err = %v, want ErrUnknownTask", err)
	}
	if err := r.Stop("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Stop err = %v, want ErrUnknownTask", err)
	}
	if err := r.Reset("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Reset err = %v, want ErrUnknownTask", err)
	}
	if _, err := r.ExecuteOnce("ghost"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("ExecuteOnce err = %v, want ErrUnknownTask", err)
	}
}

func TestRegistryExecuteOnceRequiresRunning(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	if err := r.Register(TaskConfig{
		ID:       "task",
		Interval: time.Second,
		Fetch:    func(ctx context.Context) ([]models.Entity, error) { return nil, nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.ExecuteOnce("task"); !errors.Is(err, ErrTaskNotRunning) {
		t.Fatalf("ExecuteOnce on idle task err = %v, want ErrTaskNotRunning", err)
	}
}

func TestRegistryDropsOverlappingTrigger(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	if err := r.Register(TaskConfig{
		ID:       "slow",
		Kind:     models.KindNode,
		Interval: time.Minute,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []models.Entity{testNode("node/a", 0.1)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("slow"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never started")
	}

	launched, err := r.ExecuteOnce("slow")
	if err != nil {
		t.Fatalf("ExecuteOnce: %v", err)
	}
	if launched {
		t.Fatal("overlapping trigger launched a second fetch")
	}
	close(release)

	waitFor(t, time.Second, "fetch never settled", func() bool { return r.InFlight() == 0 })
}

func TestRegistryPauseDiscardsInFlightResult(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var calls atomic.Int64
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			n := calls.Add(1)
			if n == 1 {
				return []models.Entity{testNode("node/pve1", 0.50)}, nil
			}
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return []models.Entity{testNode("node/pve1", 0.99)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "first fetch not applied", func() bool { return sink.deltaCount() == 1 })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("second fetch never started")
	}
	if err := r.Pause("node-pve1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	waitFor(t, time.Second, "fetch never settled", func() bool { return r.InFlight() == 0 })
	time.Sleep(30 * time.Millisecond)

	if got := sink.deltaCount(); got != 1 {
		t.Fatalf("delta count after paused completion = %d, want the result discarded", got)
	}
	status, _ := r.TaskStatus("node-pve1")
	if status.State != models.TaskStatePaused {
		t.Fatalf("state = %s, want paused", status.State)
	}
	if status.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, want discard not counted as failure", status.ConsecutiveFailures)
	}
	if status.Entities != 1 {
		t.Fatalf("entities = %d, want retained snapshot", status.Entities)
	}

	state := r.State()
	nodes := state.Collections["node-pve1"]
	if len(nodes) != 1 {
		t.Fatalf("snapshot = %+v, want the first fetch retained", nodes)
	}
	if cpu := nodes[0].Fields()["cpu"]; cpu != 0.50 {
		t.Fatalf("snapshot cpu = %v, want pre-pause value 0.50", cpu)
	}
	if len(sink.taskErrors()) != 0 {
		t.Fatalf("task errors = %+v, want none for a discarded result", sink.taskErrors())
	}
}

func TestRegistryCancelledFetchIsNotAFailure(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	started := make(chan struct{}, 8)
	if err := r.Register(TaskConfig{
		ID:           "guest-pve1",
		Kind:         models.KindGuest,
		View:         "infrastructure",
		CancelOnHide: true,
		Interval:     20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("guest-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	// Switching away from the owning view aborts the in-flight fetch.
	r.ActivateView("backups")

	waitFor(t, time.Second, "cancelled fetch never settled", func() bool { return r.InFlight() == 0 })

	status, _ := r.TaskStatus("guest-pve1")
	if status.State != models.TaskStatePaused {
		t.Fatalf("state = %s, want paused after view switch", status.State)
	}
	if status.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, want cancellation not counted", status.ConsecutiveFailures)
	}
	if got := sink.deltaCount(); got != 0 {
		t.Fatalf("deltas = %d, want cancelled result discarded", got)
	}
	if len(sink.taskErrors()) != 0 {
		t.Fatalf("task errors = %+v, want none for cancellation", sink.taskErrors())
	}
}

func TestRegistryFatalErrorStopsTask(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var calls atomic.Int64
	if err := r.Register(TaskConfig{
		ID:       "agent-acronis",
		Kind:     models.KindBackupAgent,
		Interval: 15 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			calls.Add(1)
			return nil, pollerrors.New(pollerrors.CategoryAuth, "list agents", "acronis", fmt.Errorf("401 unauthorized"))
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("agent-acronis"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "task did not stop", func() bool {
		st, ok := r.TaskStatus("agent-acronis")
		return ok && st.State == models.TaskStateStopped
	})
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want exactly 1 with no retries", got)
	}

	errs := sink.taskErrors()
	if len(errs) != 1 {
		t.Fatalf("task errors = %+v, want exactly one", errs)
	}
	if !errs[0].Final || errs[0].Category != string(pollerrors.CategoryAuth) {
		t.Fatalf("task error = %+v, want final auth", errs[0])
	}
	if errs[0].Retryable {
		t.Fatal("auth error marked retryable")
	}
	if errs[0].Advice == "" {
		t.Fatal("task error missing user advice")
	}

	if err := r.Start("agent-acronis"); !errors.Is(err, ErrTaskStopped) {
		t.Fatalf("Start on stopped task err = %v, want ErrTaskStopped", err)
	}
}

func TestRegistryBackoffEscalatesThenStops(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var calls atomic.Int64
	if err := r.Register(TaskConfig{
		ID:                "node-flaky",
		Kind:              models.KindNode,
		Interval:          10 * time.Millisecond,
		FailureThreshold:  2,
		StopAfterFailures: 4,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			calls.Add(1)
			return nil, pollerrors.New(pollerrors.CategoryServer, "list nodes", "pve1", fmt.Errorf("502 bad gateway"))
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-flaky"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, "task did not stop", func() bool {
		st, ok := r.TaskStatus("node-flaky")
		return ok && st.State == models.TaskStateStopped
	})
	settled := calls.Load()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatal("task kept polling after stop")
	}
	if settled != 4 {
		t.Fatalf("fetch calls = %d, want the failure budget of 4", settled)
	}

	if !sink.sawMultiplier("node-flaky", 2) {
		t.Fatal("backoff escalation to multiplier 2 never surfaced")
	}

	errs := sink.taskErrors()
	if len(errs) != 4 {
		t.Fatalf("task errors = %d, want one per failure", len(errs))
	}
	for i, e := range errs[:3] {
		if e.Final {
			t.Fatalf("error %d marked final before the budget ran out", i)
		}
	}
	last := errs[3]
	if !last.Final || !last.Retryable || last.Category != string(pollerrors.CategoryServer) {
		t.Fatalf("final error = %+v, want final retryable server error", last)
	}

	status, _ := r.TaskStatus("node-flaky")
	if status.Entities != 0 || status.ConsecutiveFailures != 0 || status.BackoffMultiplier != 1 {
		t.Fatalf("stopped status = %+v, want discarded state", status)
	}
	if status.LastError == "" {
		t.Fatal("stopped status lost its persistent error")
	}
}

func TestRegistryRecoveryRestoresBaseInterval(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var calls atomic.Int64
	if err := r.Register(TaskConfig{
		ID:                "node-recovering",
		Kind:              models.KindNode,
		Interval:          10 * time.Millisecond,
		FailureThreshold:  2,
		StopAfterFailures: -1,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			if calls.Add(1) <= 2 {
				return nil, pollerrors.New(pollerrors.CategoryNetwork, "list nodes", "pve1", fmt.Errorf("connection refused"))
			}
			return []models.Entity{testNode("node/pve1", 0.2)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-recovering"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "backoff never escalated", func() bool {
		return sink.sawMultiplier("node-recovering", 2)
	})
	waitFor(t, 3*time.Second, "recovery did not restore base interval", func() bool {
		st, ok := r.TaskStatus("node-recovering")
		return ok && st.BackoffMultiplier == 1 && st.ConsecutiveFailures == 0 && st.Entities == 1
	})
	waitFor(t, time.Second, "recovered data never reached the sink", func() bool {
		return sink.deltaCount() >= 1
	})
}

func TestRegistryTimeoutCountsAsFailure(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	if err := r.Register(TaskConfig{
		ID:                "node-slow",
		Kind:              models.KindNode,
		Interval:          15 * time.Millisecond,
		FetchTimeout:      20 * time.Millisecond,
		StopAfterFailures: -1,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-slow"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, "timeout never recorded as failure", func() bool {
		st, ok := r.TaskStatus("node-slow")
		return ok && st.ConsecutiveFailures >= 1
	})

	waitFor(t, time.Second, "timeout error never surfaced", func() bool {
		for _, e := range sink.taskErrors() {
			if e.Category == string(pollerrors.CategoryTimeout) {
				return true
			}
		}
		return false
	})
}

func TestRegistryStopDiscardsState(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 15 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			return []models.Entity{testNode("node/pve1", 0.3)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "no successful fetch", func() bool {
		st, _ := r.TaskStatus("node-pve1")
		return st.Entities == 1
	})

	if err := r.Stop("node-pve1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, _ := r.TaskStatus("node-pve1")
	if status.State != models.TaskStateStopped || status.Entities != 0 {
		t.Fatalf("stopped status = %+v, want discarded snapshot", status)
	}
	if len(r.State().Collections["node-pve1"]) != 0 {
		t.Fatal("stopped task still exposes snapshot data")
	}

	// Stop is idempotent.
	if err := r.Stop("node-pve1"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRegistryResetRevivesStoppedTask(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, sink, Config{})

	var healthy atomic.Bool
	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 15 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			if !healthy.Load() {
				return nil, pollerrors.New(pollerrors.CategoryAuth, "list nodes", "pve1", fmt.Errorf("401"))
			}
			return []models.Entity{testNode("node/pve1", 0.3)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, "task did not stop on auth error", func() bool {
		st, _ := r.TaskStatus("node-pve1")
		return st.State == models.TaskStateStopped
	})

	healthy.Store(true)
	if err := r.Reset("node-pve1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	waitFor(t, 2*time.Second, "reset task never recovered", func() bool {
		st, _ := r.TaskStatus("node-pve1")
		return st.State == models.TaskStateRunning && st.Entities == 1
	})
	if st, _ := r.TaskStatus("node-pve1"); st.LastError != "" {
		t.Fatalf("reset status still carries error %q", st.LastError)
	}
}

func TestRegistryRegisterReplacesRunningTask(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	var oldCalls, newCalls atomic.Int64
	cfg := TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 15 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			oldCalls.Add(1)
			return []models.Entity{testNode("node/pve1", 0.3)}, nil
		},
	}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "old task never polled", func() bool { return oldCalls.Load() >= 1 })

	cfg.Fetch = func(ctx context.Context) ([]models.Entity, error) {
		newCalls.Add(1)
		return []models.Entity{testNode("node/pve1", 0.6)}, nil
	}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	// The replacement keeps polling without an explicit Start.
	waitFor(t, 2*time.Second, "replacement never polled", func() bool { return newCalls.Load() >= 1 })
	if got := len(r.Statuses()); got != 1 {
		t.Fatalf("statuses = %d, want the replacement only", got)
	}

	frozen := oldCalls.Load()
	time.Sleep(60 * time.Millisecond)
	if oldCalls.Load() > frozen+1 {
		t.Fatal("replaced task kept polling")
	}
}

func TestRegistryGlobalPauseAndResume(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	var calls atomic.Int64
	cancelled := make(chan struct{}, 1)
	started := make(chan struct{}, 8)
	if err := r.Register(TaskConfig{
		ID:           "guest-pve1",
		Kind:         models.KindGuest,
		View:         "infrastructure",
		CancelOnHide: true,
		Interval:     20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			calls.Add(1)
			started <- struct{}{}
			select {
			case <-ctx.Done():
				select {
				case cancelled <- struct{}{}:
				default:
				}
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			return []models.Entity{models.Guest{ID: "qemu/100", VMID: 100, Name: "web", Type: "qemu", Status: "running"}}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("guest-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	r.SetGlobalPause(true)
	if !r.GloballyPaused() {
		t.Fatal("global pause flag not set")
	}
	st, _ := r.TaskStatus("guest-pve1")
	if st.State != models.TaskStatePaused {
		t.Fatalf("state under global pause = %s, want paused", st.State)
	}

	// Resume intent during the pause is recorded, not acted on.
	if err := r.Resume("guest-pve1"); err != nil {
		t.Fatalf("Resume during pause: %v", err)
	}
	if st, _ := r.TaskStatus("guest-pve1"); st.State != models.TaskStatePaused {
		t.Fatal("individual resume overrode the global pause")
	}

	paused := calls.Load()
	time.Sleep(80 * time.Millisecond)
	if calls.Load() > paused {
		t.Fatal("task polled while globally paused")
	}

	r.SetGlobalPause(false)
	waitFor(t, 2*time.Second, "polling did not resume", func() bool { return calls.Load() > paused })
	if st, _ := r.TaskStatus("guest-pve1"); st.State != models.TaskStateRunning {
		t.Fatalf("state after resume = %s, want running", st.State)
	}
}

func TestRegistryGlobalPauseCancelsFlaggedFetch(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	aborted := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := r.Register(TaskConfig{
		ID:           "guest-pve1",
		Kind:         models.KindGuest,
		CancelOnHide: true,
		Interval:     time.Minute,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			started <- struct{}{}
			<-ctx.Done()
			close(aborted)
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("guest-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	r.SetGlobalPause(true)
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("flagged in-flight fetch was not cancelled on pause")
	}
}

func TestRegistryViewFiltering(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	register := func(id, view string) *atomic.Int64 {
		var calls atomic.Int64
		err := r.Register(TaskConfig{
			ID:       id,
			Kind:     models.KindNode,
			View:     view,
			Interval: 15 * time.Millisecond,
			Fetch: func(ctx context.Context) ([]models.Entity, error) {
				calls.Add(1)
				return []models.Entity{testNode("node/"+id, 0.1)}, nil
			},
		})
		if err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
		return &calls
	}

	infra := register("infra-task", "infrastructure")
	backups := register("backup-task", "backups")
	always := register("ambient-task", "")
	r.StartAll()

	// No active view yet: everything polls.
	waitFor(t, 2*time.Second, "tasks did not poll before view selection", func() bool {
		return infra.Load() >= 1 && backups.Load() >= 1 && always.Load() >= 1
	})

	r.ActivateView("infrastructure")
	if got := r.ActiveView(); got != "infrastructure" {
		t.Fatalf("ActiveView = %q", got)
	}

	st, _ := r.TaskStatus("backup-task")
	if st.State != models.TaskStatePaused {
		t.Fatalf("foreign-view task state = %s, want paused", st.State)
	}
	st, _ = r.TaskStatus("infra-task")
	if st.State != models.TaskStateRunning {
		t.Fatalf("owning-view task state = %s, want running", st.State)
	}
	st, _ = r.TaskStatus("ambient-task")
	if st.State != models.TaskStateRunning {
		t.Fatalf("viewless task state = %s, want running", st.State)
	}

	frozen := backups.Load()
	grew := always.Load()
	time.Sleep(60 * time.Millisecond)
	if backups.Load() > frozen {
		t.Fatal("paused view task kept polling")
	}
	if always.Load() <= grew {
		t.Fatal("viewless task stopped polling on view switch")
	}

	// Switching back resumes the paused view's tasks.
	r.ActivateView("backups")
	waitFor(t, 2*time.Second, "view task did not resume", func() bool {
		return backups.Load() > frozen
	})
}

func TestRegistryStateSnapshot(t *testing.T) {
	r := newTestRegistry(t, nil, Config{})

	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 15 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			return []models.Entity{testNode("node/b", 0.2), testNode("node/a", 0.1)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, "no fetch", func() bool {
		st, _ := r.TaskStatus("node-pve1")
		return st.Entities == 2
	})

	state := r.State()
	if len(state.Tasks) != 1 || state.Tasks[0].ID != "node-pve1" {
		t.Fatalf("state tasks = %+v", state.Tasks)
	}
	nodes := state.Collections["node-pve1"]
	if len(nodes) != 2 {
		t.Fatalf("collection = %+v, want 2 nodes", nodes)
	}
	if nodes[0].EntityKey() != "node/a" || nodes[1].EntityKey() != "node/b" {
		t.Fatalf("collection order = %s, %s, want sorted by key", nodes[0].EntityKey(), nodes[1].EntityKey())
	}
	if state.LastUpdate.IsZero() {
		t.Fatal("state missing timestamp")
	}
}

func TestTaskConfigNormalized(t *testing.T) {
	def := DefaultConfig()

	got := TaskConfig{ID: "a", Interval: time.Second}.normalized(def)
	if got.FailureThreshold != 3 || got.MaxBackoffMultiplier != 8 || got.StopAfterFailures != 6 {
		t.Fatalf("defaults not inherited: %+v", got)
	}
	if got.FetchTimeout != 30*time.Second {
		t.Fatalf("fetch timeout = %v, want ceiling", got.FetchTimeout)
	}

	got = TaskConfig{ID: "a", Interval: time.Second, StopAfterFailures: -1}.normalized(def)
	if got.StopAfterFailures != 0 {
		t.Fatalf("negative stop-after = %d, want disabled", got.StopAfterFailures)
	}

	got = TaskConfig{ID: "a", Interval: time.Second, FetchTimeout: 5 * time.Minute}.normalized(def)
	if got.FetchTimeout != def.FetchTimeout {
		t.Fatalf("fetch timeout %v exceeds ceiling, want clamp to %v", got.FetchTimeout, def.FetchTimeout)
	}

	got = TaskConfig{ID: "a", Interval: time.Second, FetchTimeout: 5 * time.Second}.normalized(def)
	if got.FetchTimeout != 5*time.Second {
		t.Fatalf("fetch timeout below ceiling = %v, want kept", got.FetchTimeout)
	}
}

// fakeClock pins time so staleness arithmetic can be asserted without
// wall-clock waits.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryLivenessTurnsStaleWithPinnedClock(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry(Config{StalenessWindow: 30 * time.Second}, nil, nil, WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()

	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			return []models.Entity{testNode("a", 10)}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 3*time.Second, "first fetch never landed", func() bool {
		st, ok := r.TaskStatus("node-pve1")
		return ok && st.Entities == 1
	})

	// Pause keeps the snapshot and timestamps but stops new fetches, so
	// advancing the clock is the only thing that can change liveness.
	if err := r.Pause("node-pve1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	st, _ := r.TaskStatus("node-pve1")
	if st.Liveness != models.LivenessConnected {
		t.Fatalf("liveness right after success = %s, want connected", st.Liveness)
	}
	if !st.LastSuccess.Equal(clk.Now()) {
		t.Fatalf("last success = %v, want the pinned clock %v", st.LastSuccess, clk.Now())
	}

	clk.Advance(31 * time.Second)

	st, _ = r.TaskStatus("node-pve1")
	if st.Liveness != models.LivenessStale {
		t.Fatalf("liveness after the window passed = %s, want stale", st.Liveness)
	}
}

func TestRegistryInjectedReconcilerSuppressesSmallMoves(t *testing.T) {
	sink := &recordingSink{}
	rec := reconcile.New(reconcile.WithRelativeThreshold(0.5))
	r := NewRegistry(Config{}, sink, nil, WithReconciler(rec))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()

	// 10 to 14 is a 40 percent move, under the injected threshold; 14
	// to 30 crosses it. The comparison base advances on every fetch.
	readings := []float64{10, 14, 30}
	var calls atomic.Int64
	if err := r.Register(TaskConfig{
		ID:       "node-pve1",
		Kind:     models.KindNode,
		Interval: 20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Entity, error) {
			idx := int(calls.Add(1)) - 1
			if idx >= len(readings) {
				idx = len(readings) - 1
			}
			return []models.Entity{testNode("a", readings[idx])}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Start("node-pve1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, "readings were not exhausted", func() bool { return calls.Load() >= 3 })
	waitFor(t, time.Second, "significant move never published", func() bool { return sink.deltaCount() >= 2 })

	sink.mu.Lock()
	first, second := sink.deltas[0], sink.deltas[1]
	sink.mu.Unlock()
	if len(first.Added) != 1 || len(first.Updated) != 0 {
		t.Fatalf("first delta = %+v, want one addition", first)
	}
	if len(second.Updated) != 1 || len(second.Added) != 0 || len(second.Removed) != 0 {
		t.Fatalf("second delta = %+v, want only the crossing update", second)
	}
	node, ok := second.Updated[0].(models.Node)
	if !ok || node.ID != "a" {
		t.Fatalf("updated entity = %+v, want node a", second.Updated[0])
	}
	if node.CPU != 30 {
		t.Fatalf("updated cpu = %v, want the crossing reading 30, not the suppressed one", node.CPU)
	}
}
