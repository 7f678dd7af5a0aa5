package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/metrics"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/reconcile"
)

// Registry owns every polling task: registration, scheduling, fetch
// execution, backoff, cancellation, and reconciliation of results into
// per-task snapshots. A single dispatcher goroutine (Run) pops due
// triggers off the run queue; fetches themselves execute on their own
// goroutines so one slow source never delays another.
type Registry struct {
	cfg     Config
	clock   Clock
	sink    Sink
	poll    *metrics.Poll
	rec     *reconcile.Reconciler
	queue   *runQueue
	tracker *Tracker
	backoff *Backoff

	mu          sync.Mutex
	tasks       map[string]*task
	nextGen     uint64
	activeView  string
	globalPause bool
	baseCtx     context.Context
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithReconciler substitutes the snapshot differ.
func WithReconciler(rec *reconcile.Reconciler) Option {
	return func(r *Registry) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// NewRegistry builds a registry with the given engine defaults. A nil
// sink discards output; a nil poll skips metrics.
func NewRegistry(cfg Config, sink Sink, poll *metrics.Poll, opts ...Option) *Registry {
	if sink == nil {
		sink = noopSink{}
	}
	r := &Registry{
		cfg:     cfg.withDefaults(),
		clock:   RealClock(),
		sink:    sink,
		poll:    poll,
		rec:     reconcile.New(),
		queue:   newRunQueue(),
		tracker: NewTracker(),
		backoff: NewBackoff(),
		tasks:   make(map[string]*task),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches due triggers until ctx is cancelled. In-flight
// fetches inherit ctx, so cancelling it aborts them too.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	log.Info().
		Dur("fetchTimeout", r.cfg.FetchTimeout).
		Int("failureThreshold", r.cfg.FailureThreshold).
		Msg("Refresh engine started")

	for {
		run, ok := r.queue.WaitNext(ctx)
		if !ok {
			log.Info().Msg("Refresh engine stopped")
			return ctx.Err()
		}
		r.dispatch(run)
	}
}

// Register adds a task or replaces the existing one with the same id.
// Replacement tears the old task down first: its queued trigger is
// dropped, its in-flight fetch is cancelled, and any late completion
// is discarded by generation check. A replaced task that was polling
// keeps polling under the new config.
func (r *Registry) Register(cfg TaskConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("refresh: task id required")
	}
	if cfg.Fetch == nil {
		return fmt.Errorf("refresh: task %q has no fetch function", cfg.ID)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("refresh: task %q has no polling interval", cfg.ID)
	}
	cfg = cfg.normalized(r.cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	keepPolling := false
	if old, ok := r.tasks[cfg.ID]; ok {
		keepPolling = old.desired && old.state != models.TaskStateStopped
		if old.token != nil {
			old.token.Invalidate()
		}
		r.queue.Remove(cfg.ID)
		log.Debug().Str("task", cfg.ID).Msg("Replacing registered task")
	}

	r.nextGen++
	t := &task{cfg: cfg, generation: r.nextGen, state: models.TaskStateIdle}
	r.tasks[cfg.ID] = t
	r.backoff.Track(cfg.ID, cfg.backoffConfig())
	r.poll.ForgetTask(cfg.Kind, cfg.ID)

	if keepPolling {
		t.desired = true
		r.recomputeLocked(t, true)
	}
	r.syncStateMetricsLocked()

	log.Info().
		Str("task", cfg.ID).
		Str("kind", string(cfg.Kind)).
		Dur("interval", cfg.Interval).
		Msg("Task registered")
	return nil
}

// Start begins polling: one immediate fetch, then recurring executions
// at the task's interval. Starting a running task is a no-op. Stopped
// tasks cannot start; use Reset.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if t.state == models.TaskStateStopped {
		return fmt.Errorf("%w: %q, reset required", ErrTaskStopped, id)
	}
	if t.state == models.TaskStateRunning {
		return nil
	}
	t.desired = true
	r.recomputeLocked(t, true)
	r.publishStatusLocked(t)
	r.syncStateMetricsLocked()
	if t.state == models.TaskStateRunning {
		log.Info().Str("task", id).Msg("Task started")
	} else {
		log.Debug().Str("task", id).Msg("Task start deferred until polling resumes")
	}
	return nil
}

// Resume is Start under its post-pause name. While polling is globally
// paused the resume intent is retained and applied once the pause
// lifts; the global flag always wins in the meantime.
func (r *Registry) Resume(id string) error {
	return r.Start(id)
}

// Pause halts recurring scheduling for the task. Its snapshot, failure
// counts, and backoff multiplier are retained, and a fetch already in
// flight keeps running; its result is discarded on completion.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if t.state == models.TaskStateStopped {
		return fmt.Errorf("%w: %q", ErrTaskStopped, id)
	}
	t.desired = false
	r.recomputeLocked(t, false)
	r.publishStatusLocked(t)
	r.syncStateMetricsLocked()
	log.Info().Str("task", id).Msg("Task paused")
	return nil
}

// Stop halts the task and discards its accumulated state: snapshot,
// failure counts, and backoff multiplier. The registration itself is
// kept so the task still appears in status listings, but it will not
// poll again until Reset or a fresh Register.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if t.state == models.TaskStateStopped {
		return nil
	}
	r.stopLocked(t)
	r.publishStatusLocked(t)
	log.Info().Str("task", id).Msg("Task stopped")
	return nil
}

// Reset recreates the task from its stored config and starts it. This
// is the recovery path for tasks stopped by a fatal error or an
// exhausted failure budget.
func (r *Registry) Reset(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	cfg := t.cfg
	r.mu.Unlock()

	log.Info().Str("task", id).Msg("Resetting task")
	if err := r.Register(cfg); err != nil {
		return err
	}
	return r.Start(id)
}

// ExecuteOnce triggers a single immediate fetch for a running task,
// outside its schedule. If a fetch is already in flight the trigger is
// dropped, never queued, and ExecuteOnce reports false.
func (r *Registry) ExecuteOnce(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if t.state != models.TaskStateRunning {
		return false, fmt.Errorf("%w: %q is %s", ErrTaskNotRunning, id, t.state)
	}
	return r.launchLocked(t), nil
}

// StartAll starts every registered task that is not stopped.
func (r *Registry) StartAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := 0
	for _, t := range r.tasks {
		if t.state == models.TaskStateStopped {
			continue
		}
		t.desired = true
		before := t.state
		r.recomputeLocked(t, true)
		if t.state != before {
			started++
			r.publishStatusLocked(t)
		}
	}
	r.syncStateMetricsLocked()
	log.Info().Int("tasks", started).Msg("Polling tasks started")
}

// ActivateView switches the active UI view. Tasks owned by the
// departing view pause and their cancellable in-flight fetches are
// aborted; tasks owned by the new view resume, immediately when their
// data has gone stale. Tasks without an owning view are unaffected.
func (r *Registry) ActivateView(view string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeView == view {
		return
	}
	previous := r.activeView
	r.activeView = view

	for _, t := range r.tasks {
		before := t.state
		r.recomputeLocked(t, false)
		if t.state != before {
			r.publishStatusLocked(t)
		}
	}
	cancelled := 0
	if previous != "" {
		cancelled = r.tracker.CancelScope(viewScope(previous))
	}
	r.syncStateMetricsLocked()

	log.Info().
		Str("from", previous).
		Str("to", view).
		Int("cancelled", cancelled).
		Msg("Active view changed")
}

// ActiveView returns the currently active view name.
func (r *Registry) ActiveView() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeView
}

// SetGlobalPause pauses or resumes all polling. Pausing cancels
// in-flight fetches flagged CancelOnHide and unschedules every running
// task while retaining its state. Resuming puts tasks back on their
// schedules; tasks whose data went stale while paused fetch
// immediately.
func (r *Registry) SetGlobalPause(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.globalPause == paused {
		return
	}
	r.globalPause = paused

	if paused {
		for _, t := range r.tasks {
			if t.state == models.TaskStateRunning && t.cfg.CancelOnHide && t.token != nil {
				t.token.Invalidate()
			}
		}
	}
	for _, t := range r.tasks {
		before := t.state
		r.recomputeLocked(t, false)
		if t.state != before {
			r.publishStatusLocked(t)
		}
	}
	r.syncStateMetricsLocked()

	if paused {
		r.poll.RecordLifecyclePause()
		log.Info().Msg("All polling paused")
	} else {
		log.Info().Msg("Polling resumed")
	}
}

// GloballyPaused reports whether the global pause flag is set.
func (r *Registry) GloballyPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalPause
}

// TaskStatus returns the status of one task.
func (r *Registry) TaskStatus(id string) (models.TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return models.TaskStatus{}, false
	}
	return r.statusLocked(t, r.clock.Now()), true
}

// Statuses returns the status of every registered task, sorted by id.
func (r *Registry) Statuses() []models.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusesLocked()
}

func (r *Registry) statusesLocked() []models.TaskStatus {
	now := r.clock.Now()
	out := make([]models.TaskStatus, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, r.statusLocked(t, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the full engine state: every task's status plus its
// current snapshot contents. Served to clients on connect and by the
// state endpoint.
func (r *Registry) State() models.StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	collections := make(map[string][]models.Entity, len(r.tasks))
	for id, t := range r.tasks {
		collections[id] = t.snapshot.Entities()
	}
	return models.StateSnapshot{
		Tasks:       r.statusesLocked(),
		Collections: collections,
		LastUpdate:  r.clock.Now(),
	}
}

// InFlight returns the number of live fetch tokens, for tests and
// diagnostics.
func (r *Registry) InFlight() int {
	return r.tracker.Live()
}

func viewScope(view string) string { return "view:" + view }
func taskScope(id string) string   { return "task:" + id }

func (r *Registry) dispatch(run scheduledRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poll.SetQueueDepth(r.queue.Size())

	t, ok := r.tasks[run.taskID]
	if !ok || t.generation != run.generation || t.state != models.TaskStateRunning {
		log.Debug().Str("task", run.taskID).Msg("Discarding stale trigger")
		return
	}
	r.launchLocked(t)
}

// launchLocked starts a fetch for the task unless one is already in
// flight, in which case the trigger is dropped.
func (r *Registry) launchLocked(t *task) bool {
	if !t.inFlight.CompareAndSwap(false, true) {
		log.Debug().Str("task", t.cfg.ID).Msg("Fetch already in flight, dropping trigger")
		r.poll.RecordDroppedTrigger(t.cfg.Kind, t.cfg.ID)
		return false
	}

	scopes := []string{taskScope(t.cfg.ID)}
	if t.cfg.CancelOnHide && t.cfg.View != "" {
		scopes = append(scopes, viewScope(t.cfg.View))
	}
	token := r.tracker.Issue(r.baseCtx, scopes...)
	t.token = token
	t.lastRunAt = r.clock.Now()
	r.poll.IncInFlight(t.cfg.Kind)

	go r.runFetch(t.cfg, t.generation, token)
	return true
}

func (r *Registry) runFetch(cfg TaskConfig, gen uint64, token *Token) {
	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(token.Context(), cfg.FetchTimeout)
	defer cancel()

	entities, err := cfg.Fetch(ctx)
	r.complete(cfg, gen, token, entities, err, start)
}

// complete applies one settled fetch. Results are re-validated first:
// a completion for a replaced task, a cancelled token, or a task no
// longer running is discarded without touching the snapshot or the
// failure counts.
func (r *Registry) complete(cfg TaskConfig, gen uint64, token *Token, entities []models.Entity, err error, start time.Time) {
	end := r.clock.Now()
	r.tracker.Release(token)

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[cfg.ID]
	if !ok || t.generation != gen {
		log.Debug().Str("task", cfg.ID).Msg("Discarding completion for replaced task")
		return
	}

	t.inFlight.Store(false)
	if t.token == token {
		t.token = nil
	}
	r.poll.DecInFlight(cfg.Kind)

	if !token.Valid() || pollerrors.IsCancelled(err) {
		log.Debug().Str("task", cfg.ID).Msg("Fetch cancelled, discarding result")
		r.poll.RecordFetch(metrics.FetchResult{
			Task: cfg.ID, Kind: cfg.Kind, Cancelled: true,
			StartTime: start, EndTime: end,
		})
		return
	}
	if t.state != models.TaskStateRunning {
		log.Debug().
			Str("task", cfg.ID).
			Str("state", string(t.state)).
			Msg("Task no longer running, discarding result")
		return
	}

	if err != nil {
		r.completeFailureLocked(t, err, end)
	} else {
		r.completeSuccessLocked(t, entities, end)
	}
	r.poll.RecordFetch(metrics.FetchResult{
		Task: cfg.ID, Kind: cfg.Kind, Success: err == nil, Err: err,
		StartTime: start, EndTime: end,
	})
	r.publishStatusLocked(t)
}

func (r *Registry) completeSuccessLocked(t *task, entities []models.Entity, now time.Time) {
	next := models.BuildSnapshot(entities)
	delta := r.rec.Diff(t.cfg.ID, t.cfg.Kind, t.snapshot, next)
	t.snapshot = next
	t.lastSuccessAt = now
	t.lastErr = nil
	t.lastErrAt = time.Time{}

	if wasBackedOff := r.backoff.RecordSuccess(t.cfg.ID); wasBackedOff {
		log.Info().
			Str("task", t.cfg.ID).
			Dur("interval", t.cfg.Interval).
			Msg("Source recovered, restoring base interval")
	}
	r.poll.SetBackoffMultiplier(t.cfg.Kind, t.cfg.ID, 1)
	r.poll.SetConsecutiveFailures(t.cfg.Kind, t.cfg.ID, 0)
	r.poll.SetEntityCount(t.cfg.Kind, t.cfg.ID, len(next))

	if !delta.Empty() {
		r.poll.RecordDelta(delta)
		r.sink.PublishDelta(delta, r.livenessLocked(t, now))
	}
	r.scheduleNextLocked(t, now)
}

func (r *Registry) completeFailureLocked(t *task, err error, now time.Time) {
	t.lastErr = err
	t.lastErrAt = now
	category := pollerrors.CategoryOf(err)

	if category.Fatal() {
		log.Error().
			Err(err).
			Str("task", t.cfg.ID).
			Str("category", string(category)).
			Msg("Fatal fetch error, stopping task")
		r.stopLocked(t)
		r.publishErrorLocked(t, category, err, true)
		return
	}

	outcome := r.backoff.RecordFailure(t.cfg.ID)
	r.poll.SetBackoffMultiplier(t.cfg.Kind, t.cfg.ID, outcome.Multiplier)
	r.poll.SetConsecutiveFailures(t.cfg.Kind, t.cfg.ID, outcome.Failures)
	if outcome.Stopped {
		r.stopLocked(t)
		r.publishErrorLocked(t, category, err, true)
		return
	}
	r.publishErrorLocked(t, category, err, false)
	r.scheduleNextLocked(t, now)
}

func (r *Registry) stopLocked(t *task) {
	t.state = models.TaskStateStopped
	t.desired = false
	t.snapshot = nil
	r.queue.Remove(t.cfg.ID)
	r.backoff.Forget(t.cfg.ID)
	r.poll.SetEntityCount(t.cfg.Kind, t.cfg.ID, 0)
	r.syncStateMetricsLocked()
}

func (r *Registry) scheduleNextLocked(t *task, now time.Time) {
	interval := r.backoff.EffectiveInterval(t.cfg.ID, t.cfg.Interval)
	r.queue.Upsert(scheduledRun{
		taskID:     t.cfg.ID,
		generation: t.generation,
		dueAt:      now.Add(interval),
	})
}

// recomputeLocked reconciles the task's effective state with the
// operator's intent, the global pause flag, and the active view. On a
// transition to running the next trigger is scheduled: immediately
// when requested or when the data has gone stale, otherwise after the
// effective interval.
func (r *Registry) recomputeLocked(t *task, immediate bool) {
	if t.state == models.TaskStateStopped {
		return
	}
	blocked := r.globalPause || !r.viewEligibleLocked(t)
	shouldRun := t.desired && !blocked

	switch {
	case shouldRun && t.state != models.TaskStateRunning:
		t.state = models.TaskStateRunning
		now := r.clock.Now()
		due := now
		if !immediate && !r.staleLocked(t, now) {
			due = now.Add(r.backoff.EffectiveInterval(t.cfg.ID, t.cfg.Interval))
		}
		r.queue.Upsert(scheduledRun{taskID: t.cfg.ID, generation: t.generation, dueAt: due})
	case !shouldRun && t.state == models.TaskStateRunning:
		t.state = models.TaskStatePaused
		r.queue.Remove(t.cfg.ID)
	}
}

func (r *Registry) viewEligibleLocked(t *task) bool {
	return t.cfg.View == "" || r.activeView == "" || t.cfg.View == r.activeView
}

func (r *Registry) staleLocked(t *task, now time.Time) bool {
	return t.lastSuccessAt.IsZero() || now.Sub(t.lastSuccessAt) > t.cfg.Interval
}

func (r *Registry) livenessLocked(t *task, now time.Time) models.Liveness {
	switch {
	case t.state == models.TaskStateStopped:
		return models.LivenessOffline
	case r.backoff.Failures(t.cfg.ID) >= t.cfg.FailureThreshold:
		return models.LivenessOffline
	case t.lastSuccessAt.IsZero():
		return models.LivenessStale
	case now.Sub(t.lastSuccessAt) > r.cfg.StalenessWindow:
		return models.LivenessStale
	default:
		return models.LivenessConnected
	}
}

func (r *Registry) statusLocked(t *task, now time.Time) models.TaskStatus {
	status := models.TaskStatus{
		ID:                  t.cfg.ID,
		Kind:                t.cfg.Kind,
		State:               t.state,
		Liveness:            r.livenessLocked(t, now),
		Interval:            t.cfg.Interval,
		EffectiveInterval:   r.backoff.EffectiveInterval(t.cfg.ID, t.cfg.Interval),
		BackoffMultiplier:   r.backoff.Multiplier(t.cfg.ID),
		ConsecutiveFailures: r.backoff.Failures(t.cfg.ID),
		LastSuccess:         t.lastSuccessAt,
		LastErrorAt:         t.lastErrAt,
		Entities:            len(t.snapshot),
	}
	if t.lastErr != nil {
		status.LastError = t.lastErr.Error()
	}
	return status
}

func (r *Registry) publishStatusLocked(t *task) {
	r.sink.PublishTaskStatus(r.statusLocked(t, r.clock.Now()))
}

func (r *Registry) publishErrorLocked(t *task, category pollerrors.Category, err error, final bool) {
	r.sink.PublishTaskError(models.TaskError{
		Task:      t.cfg.ID,
		Kind:      t.cfg.Kind,
		Category:  string(category),
		Message:   err.Error(),
		Advice:    pollerrors.UserMessage(category),
		Retryable: pollerrors.RetryAdvised(category),
		At:        r.clock.Now(),
		Final:     final,
	})
}

func (r *Registry) syncStateMetricsLocked() {
	if r.poll == nil {
		return
	}
	counts := make(map[models.TaskState]int, 4)
	for _, t := range r.tasks {
		counts[t.state]++
	}
	r.poll.SetTaskStates(counts)
	r.poll.SetQueueDepth(r.queue.Size())
}
