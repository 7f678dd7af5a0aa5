package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
)

var (
	// ErrUnknownTask is returned for operations on an id that was never
	// registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskStopped is returned when an operation needs a live task but
	// the task has stopped. Stopped tasks stay stopped until Reset or a
	// fresh Register.
	ErrTaskStopped = errors.New("task stopped")
	// ErrTaskNotRunning is returned by ExecuteOnce when the task is not
	// currently scheduled.
	ErrTaskNotRunning = errors.New("task not running")
)

// FetchFunc retrieves the current collection for one task. It must
// honor ctx cancellation and return promptly once ctx is done.
type FetchFunc func(ctx context.Context) ([]models.Entity, error)

// Sink receives engine output. The registry calls it with internal
// locks held so that events for one task are never interleaved;
// implementations must hand work off quickly and must not call back
// into the Registry.
type Sink interface {
	PublishDelta(delta models.Delta, liveness models.Liveness)
	PublishTaskError(event models.TaskError)
	PublishTaskStatus(status models.TaskStatus)
}

type noopSink struct{}

func (noopSink) PublishDelta(models.Delta, models.Liveness) {}
func (noopSink) PublishTaskError(models.TaskError)          {}
func (noopSink) PublishTaskStatus(models.TaskStatus)        {}

// Config carries the engine-wide defaults applied to task
// registrations that leave the corresponding field unset.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which the
	// polling interval doubles.
	FailureThreshold int
	// MaxBackoffMultiplier caps interval growth.
	MaxBackoffMultiplier int
	// StopAfterFailures is the failure budget after which a task stops
	// outright.
	StopAfterFailures int
	// FetchTimeout is the ceiling for a single fetch. Per-task timeouts
	// may be shorter but never longer.
	FetchTimeout time.Duration
	// StalenessWindow is how old a task's data may be before its
	// liveness degrades to stale.
	StalenessWindow time.Duration
}

// DefaultConfig returns the stock engine defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     3,
		MaxBackoffMultiplier: 8,
		StopAfterFailures:    6,
		FetchTimeout:         30 * time.Second,
		StalenessWindow:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.MaxBackoffMultiplier < 1 {
		c.MaxBackoffMultiplier = def.MaxBackoffMultiplier
	}
	if c.StopAfterFailures <= 0 {
		c.StopAfterFailures = def.StopAfterFailures
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = def.StalenessWindow
	}
	return c
}

// TaskConfig describes one polling task. ID is the registry key;
// registering an existing id replaces the old task wholesale.
type TaskConfig struct {
	ID       string
	Kind     models.Kind
	Fetch    FetchFunc
	Interval time.Duration

	// View names the UI view this task belongs to. Tasks with an empty
	// view poll regardless of the active view.
	View string
	// CancelOnHide marks in-flight fetches of this task as cancellable
	// when the UI hides or the owning view deactivates.
	CancelOnHide bool

	// Zero means inherit the engine default. StopAfterFailures may be
	// negative to disable the failure budget entirely.
	FailureThreshold     int
	MaxBackoffMultiplier int
	StopAfterFailures    int
	FetchTimeout         time.Duration
}

func (c TaskConfig) normalized(def Config) TaskConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.MaxBackoffMultiplier < 1 {
		c.MaxBackoffMultiplier = def.MaxBackoffMultiplier
	}
	switch {
	case c.StopAfterFailures < 0:
		c.StopAfterFailures = 0
	case c.StopAfterFailures == 0:
		if def.StopAfterFailures > 0 {
			c.StopAfterFailures = def.StopAfterFailures
		} else {
			c.StopAfterFailures = 2 * c.FailureThreshold
		}
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout > def.FetchTimeout {
		c.FetchTimeout = def.FetchTimeout
	}
	return c
}

func (c TaskConfig) backoffConfig() BackoffConfig {
	return BackoffConfig{
		FailureThreshold: c.FailureThreshold,
		MaxMultiplier:    c.MaxBackoffMultiplier,
		StopAfter:        c.StopAfterFailures,
	}
}

// task is the registry's internal record for one registered task. All
// fields except inFlight are guarded by the registry mutex.
type task struct {
	cfg        TaskConfig
	generation uint64

	state models.TaskState
	// desired records whether the operator wants this task polling.
	// The effective state also depends on the global pause flag and
	// the active view.
	desired bool

	inFlight atomic.Bool
	token    *Token

	snapshot      models.Snapshot
	lastRunAt     time.Time
	lastSuccessAt time.Time
	lastErr       error
	lastErrAt     time.Time
}
