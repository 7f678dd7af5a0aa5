package models

import "time"

// Delta describes how one task's collection changed between two
// accepted fetches. Consumers apply it in order: removals first, then
// additions, then updates.
type Delta struct {
	Task    string   `json:"task"`
	Kind    Kind     `json:"kind"`
	Removed []string `json:"removed,omitempty"`
	Added   []Entity `json:"added,omitempty"`
	Updated []Entity `json:"updated,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0 && len(d.Updated) == 0
}

// Size returns the total number of change records in the delta.
func (d Delta) Size() int {
	return len(d.Removed) + len(d.Added) + len(d.Updated)
}

// Liveness describes how current a task's data is from the UI's point
// of view.
type Liveness string

const (
	// LivenessConnected means the last fetch succeeded within the
	// staleness window.
	LivenessConnected Liveness = "connected"
	// LivenessStale means polling is paused or delayed and the shown
	// data is older than the staleness window.
	LivenessStale Liveness = "stale"
	// LivenessOffline means consecutive failures crossed the failure
	// threshold and the source is presumed unreachable.
	LivenessOffline Liveness = "offline"
)

// TaskState is the scheduling state of a registered task.
type TaskState string

const (
	TaskStateIdle    TaskState = "idle"
	TaskStateRunning TaskState = "running"
	TaskStatePaused  TaskState = "paused"
	TaskStateStopped TaskState = "stopped"
)

// TaskStatus is the externally visible status of one polling task,
// served over the API and pushed to clients when it changes.
type TaskStatus struct {
	ID                  string        `json:"id"`
	Kind                Kind          `json:"kind"`
	State               TaskState     `json:"state"`
	Liveness            Liveness      `json:"liveness"`
	Interval            time.Duration `json:"interval"`
	EffectiveInterval   time.Duration `json:"effectiveInterval"`
	BackoffMultiplier   int           `json:"backoffMultiplier"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccess         time.Time     `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	LastErrorAt         time.Time     `json:"lastErrorAt,omitempty"`
	Entities            int           `json:"entities"`
}

// TaskError is a user-facing failure notice for one task. Every failed
// fetch produces one; Final marks the notice that accompanies the task
// stopping, so the UI can surface an actionable message instead of
// silently freezing.
type TaskError struct {
	Task      string    `json:"task"`
	Kind      Kind      `json:"kind"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Advice    string    `json:"advice,omitempty"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
	Final     bool      `json:"final"`
}
