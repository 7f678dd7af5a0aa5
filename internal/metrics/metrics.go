// Package metrics exposes Prometheus instrumentation for the polling
// engine and the client-facing hub.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pollerrors "github.com/Strix89/PMI-DashboardEPS-sub000/internal/errors"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
)

// Poll instruments fetch activity per task.
type Poll struct {
	fetchDuration  *prometheus.HistogramVec
	fetchResults   *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	staleness      *prometheus.GaugeVec
	inflight       *prometheus.GaugeVec
	tasksByState   *prometheus.GaugeVec
	backoff        *prometheus.GaugeVec
	consecFailures *prometheus.GaugeVec
	deltaEvents    *prometheus.CounterVec
	entities       *prometheus.GaugeVec
	droppedTicks   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	pauses         prometheus.Counter
	wsClients      prometheus.Gauge

	mu               sync.RWMutex
	lastSuccessByKey map[string]time.Time
}

var (
	defaultPoll     *Poll
	defaultPollOnce sync.Once
)

// Default returns the process-wide Poll registered on the default
// Prometheus registry.
func Default() *Poll {
	defaultPollOnce.Do(func() {
		defaultPoll = New(prometheus.DefaultRegisterer)
	})
	return defaultPoll
}

// New builds a Poll and registers its collectors with reg. Tests pass
// their own registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Poll {
	p := &Poll{
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of fetch operations per task.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 20, 30},
			},
			[]string{"kind", "task"},
		),
		fetchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_total",
				Help:      "Total fetch attempts partitioned by result.",
			},
			[]string{"kind", "task", "result"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_errors_total",
				Help:      "Fetch failures grouped by error category.",
			},
			[]string{"kind", "task", "category"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_last_success_timestamp",
				Help:      "Unix timestamp of the last successful fetch.",
			},
			[]string{"kind", "task"},
		),
		staleness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_staleness_seconds",
				Help:      "Seconds since the last successful fetch. -1 indicates no successes yet.",
			},
			[]string{"kind", "task"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "fetch_inflight",
				Help:      "Current number of fetch operations executing per kind.",
			},
			[]string{"kind"},
		),
		tasksByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "tasks",
				Help:      "Registered tasks partitioned by scheduling state.",
			},
			[]string{"state"},
		),
		backoff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "backoff_multiplier",
				Help:      "Current backoff multiplier applied to the task's base interval.",
			},
			[]string{"kind", "task"},
		),
		consecFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "consecutive_failures",
				Help:      "Consecutive fetch failures counted toward backoff escalation.",
			},
			[]string{"kind", "task"},
		),
		deltaEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmi",
				Subsystem: "reconcile",
				Name:      "delta_events_total",
				Help:      "Reconciliation change records emitted, partitioned by operation.",
			},
			[]string{"kind", "task", "op"},
		),
		entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "reconcile",
				Name:      "entities",
				Help:      "Entities currently held in the task's snapshot.",
			},
			[]string{"kind", "task"},
		),
		droppedTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "dropped_triggers_total",
				Help:      "Scheduled triggers dropped because a fetch was already in flight.",
			},
			[]string{"kind", "task"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "queue_depth",
				Help:      "Scheduled runs currently waiting for dispatch.",
			},
		),
		pauses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pmi",
				Subsystem: "poller",
				Name:      "lifecycle_pauses_total",
				Help:      "Times polling was paused globally by the visibility lifecycle.",
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pmi",
				Subsystem: "hub",
				Name:      "clients",
				Help:      "Connected WebSocket clients.",
			},
		),
		lastSuccessByKey: make(map[string]time.Time),
	}

	reg.MustRegister(
		p.fetchDuration,
		p.fetchResults,
		p.fetchErrors,
		p.lastSuccess,
		p.staleness,
		p.inflight,
		p.tasksByState,
		p.backoff,
		p.consecFailures,
		p.deltaEvents,
		p.entities,
		p.droppedTicks,
		p.queueDepth,
		p.pauses,
		p.wsClients,
	)
	return p
}

// FetchResult captures timing and outcome for one completed fetch.
type FetchResult struct {
	Task      string
	Kind      models.Kind
	Success   bool
	Cancelled bool
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// RecordFetch records metrics for one fetch completion.
func (p *Poll) RecordFetch(result FetchResult) {
	if p == nil {
		return
	}

	kind := kindLabel(result.Kind)
	labels := prometheus.Labels{"kind": kind, "task": result.Task}

	duration := result.EndTime.Sub(result.StartTime).Seconds()
	if duration < 0 {
		duration = 0
	}
	p.fetchDuration.With(labels).Observe(duration)

	outcome := "success"
	switch {
	case result.Cancelled:
		outcome = "cancelled"
	case !result.Success:
		outcome = "error"
	}
	p.fetchResults.With(prometheus.Labels{
		"kind":   kind,
		"task":   result.Task,
		"result": outcome,
	}).Inc()

	if result.Cancelled {
		return
	}

	if result.Success {
		p.lastSuccess.With(labels).Set(float64(result.EndTime.Unix()))
		p.storeLastSuccess(kind, result.Task, result.EndTime)
		p.staleness.With(labels).Set(0)
		return
	}

	p.fetchErrors.With(prometheus.Labels{
		"kind":     kind,
		"task":     result.Task,
		"category": categoryLabel(result.Err),
	}).Inc()

	if last, ok := p.lastSuccessFor(kind, result.Task); ok && !last.IsZero() {
		stale := result.EndTime.Sub(last).Seconds()
		if stale < 0 {
			stale = 0
		}
		p.staleness.With(labels).Set(stale)
	} else {
		p.staleness.With(labels).Set(-1)
	}
}

// RecordDroppedTrigger counts a trigger discarded by the re-entrancy
// guard.
func (p *Poll) RecordDroppedTrigger(kind models.Kind, task string) {
	if p == nil {
		return
	}
	p.droppedTicks.WithLabelValues(kindLabel(kind), task).Inc()
}

// RecordDelta counts the change records of one emitted delta.
func (p *Poll) RecordDelta(delta models.Delta) {
	if p == nil {
		return
	}
	kind := kindLabel(delta.Kind)
	if n := len(delta.Removed); n > 0 {
		p.deltaEvents.WithLabelValues(kind, delta.Task, "removed").Add(float64(n))
	}
	if n := len(delta.Added); n > 0 {
		p.deltaEvents.WithLabelValues(kind, delta.Task, "added").Add(float64(n))
	}
	if n := len(delta.Updated); n > 0 {
		p.deltaEvents.WithLabelValues(kind, delta.Task, "updated").Add(float64(n))
	}
}

// SetEntityCount updates the snapshot size gauge for a task.
func (p *Poll) SetEntityCount(kind models.Kind, task string, count int) {
	if p == nil {
		return
	}
	p.entities.WithLabelValues(kindLabel(kind), task).Set(float64(count))
}

// SetBackoffMultiplier updates the multiplier gauge for a task.
func (p *Poll) SetBackoffMultiplier(kind models.Kind, task string, multiplier int) {
	if p == nil {
		return
	}
	p.backoff.WithLabelValues(kindLabel(kind), task).Set(float64(multiplier))
}

// SetConsecutiveFailures records the task's current failure streak.
func (p *Poll) SetConsecutiveFailures(kind models.Kind, task string, count int) {
	if p == nil {
		return
	}
	p.consecFailures.WithLabelValues(kindLabel(kind), task).Set(float64(count))
}

// SetTaskStates replaces the per-state task count gauges.
func (p *Poll) SetTaskStates(counts map[models.TaskState]int) {
	if p == nil {
		return
	}
	for _, state := range []models.TaskState{
		models.TaskStateIdle,
		models.TaskStateRunning,
		models.TaskStatePaused,
		models.TaskStateStopped,
	} {
		p.tasksByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// IncInFlight increments the in-flight gauge for the given kind.
func (p *Poll) IncInFlight(kind models.Kind) {
	if p == nil {
		return
	}
	p.inflight.WithLabelValues(kindLabel(kind)).Inc()
}

// DecInFlight decrements the in-flight gauge for the given kind.
func (p *Poll) DecInFlight(kind models.Kind) {
	if p == nil {
		return
	}
	p.inflight.WithLabelValues(kindLabel(kind)).Dec()
}

// SetClientCount updates the connected WebSocket client gauge.
func (p *Poll) SetClientCount(count int) {
	if p == nil {
		return
	}
	p.wsClients.Set(float64(count))
}

// SetQueueDepth records the number of scheduled runs awaiting dispatch.
func (p *Poll) SetQueueDepth(depth int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}

// RecordLifecyclePause counts one global pause transition.
func (p *Poll) RecordLifecyclePause() {
	if p == nil {
		return
	}
	p.pauses.Inc()
}

// ForgetTask clears per-task series so stopped tasks do not linger in
// scrapes.
func (p *Poll) ForgetTask(kind models.Kind, task string) {
	if p == nil {
		return
	}
	k := kindLabel(kind)
	labels := prometheus.Labels{"kind": k, "task": task}
	p.fetchDuration.Delete(labels)
	p.lastSuccess.Delete(labels)
	p.staleness.Delete(labels)
	p.backoff.Delete(labels)
	p.consecFailures.Delete(labels)
	p.entities.Delete(labels)
	p.droppedTicks.Delete(labels)

	p.mu.Lock()
	delete(p.lastSuccessByKey, k+"::"+task)
	p.mu.Unlock()
}

func (p *Poll) storeLastSuccess(kind, task string, ts time.Time) {
	p.mu.Lock()
	p.lastSuccessByKey[kind+"::"+task] = ts
	p.mu.Unlock()
}

func (p *Poll) lastSuccessFor(kind, task string) (time.Time, bool) {
	p.mu.RLock()
	ts, ok := p.lastSuccessByKey[kind+"::"+task]
	p.mu.RUnlock()
	return ts, ok
}

func kindLabel(kind models.Kind) string {
	label := strings.TrimSpace(string(kind))
	if label == "" {
		return "unknown"
	}
	return label
}

func categoryLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if cat := pollerrors.CategoryOf(err); cat != "" {
		return string(cat)
	}
	return "unknown"
}
