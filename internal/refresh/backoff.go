package refresh

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig tunes the consecutive-failure policy for one task.
type BackoffConfig struct {
	// FailureThreshold is the failure count at which the multiplier
	// doubles. Doubling repeats at every further multiple.
	FailureThreshold int
	// MaxMultiplier caps the escalation.
	MaxMultiplier int
	// StopAfter is the failure count at which the task stops outright.
	// Zero disables stopping.
	StopAfter int
}

// DefaultBackoffConfig returns the stock policy: double at three
// consecutive failures, stop at six.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		FailureThreshold: 3,
		MaxMultiplier:    8,
		StopAfter:        6,
	}
}

func (cfg BackoffConfig) normalized() BackoffConfig {
	def := DefaultBackoffConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = def.MaxMultiplier
	}
	if cfg.StopAfter < 0 {
		cfg.StopAfter = 0
	}
	return cfg
}

type backoffState struct {
	cfg        BackoffConfig
	failures   int
	multiplier int
}

// FailureOutcome describes what a recorded failure changed.
type FailureOutcome struct {
	Failures   int
	Multiplier int
	// Escalated is set when the multiplier grew and the schedule must
	// be rebuilt at the new effective interval.
	Escalated bool
	// Stopped is set when the failure budget is exhausted and the task
	// must stop until an explicit reset.
	Stopped bool
}

// Backoff tracks consecutive failures per task and computes interval
// multipliers. The multiplier changes only when the failure count hits
// a multiple of the threshold, never per failure, so intervals do not
// oscillate.
type Backoff struct {
	mu     sync.Mutex
	states map[string]*backoffState
}

// NewBackoff returns an empty controller.
func NewBackoff() *Backoff {
	return &Backoff{states: make(map[string]*backoffState)}
}

// Track registers a task with its policy, resetting any prior state.
func (b *Backoff) Track(id string, cfg BackoffConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[id] = &backoffState{cfg: cfg.normalized(), multiplier: 1}
}

// Forget discards all failure state for a task.
func (b *Backoff) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
}

// RecordSuccess clears the failure count and multiplier atomically.
// It reports whether the task had been backed off, in which case the
// schedule must be restored to the base interval.
func (b *Backoff) RecordSuccess(id string) (wasBackedOff bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[id]
	if !ok {
		return false
	}
	wasBackedOff = state.multiplier > 1
	state.failures = 0
	state.multiplier = 1
	return wasBackedOff
}

// RecordFailure counts one failure and applies the threshold policy.
func (b *Backoff) RecordFailure(id string) FailureOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[id]
	if !ok {
		state = &backoffState{cfg: DefaultBackoffConfig(), multiplier: 1}
		b.states[id] = state
	}

	state.failures++
	out := FailureOutcome{Failures: state.failures, Multiplier: state.multiplier}

	if state.cfg.StopAfter > 0 && state.failures >= state.cfg.StopAfter {
		out.Stopped = true
		log.Warn().
			Str("task", id).
			Int("failures", state.failures).
			Msg("Failure budget exhausted, stopping task")
		return out
	}

	if state.failures%state.cfg.FailureThreshold == 0 {
		doubled := state.multiplier * 2
		if doubled > state.cfg.MaxMultiplier {
			doubled = state.cfg.MaxMultiplier
		}
		if doubled != state.multiplier {
			state.multiplier = doubled
			out.Multiplier = doubled
			out.Escalated = true
			log.Info().
				Str("task", id).
				Int("failures", state.failures).
				Int("multiplier", doubled).
				Msg("Escalating polling backoff")
		}
	}
	return out
}

// Multiplier returns the task's current interval multiplier.
func (b *Backoff) Multiplier(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.states[id]; ok {
		return state.multiplier
	}
	return 1
}

// Failures returns the task's current consecutive failure count.
func (b *Backoff) Failures(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.states[id]; ok {
		return state.failures
	}
	return 0
}

// EffectiveInterval applies the task's multiplier to its base
// interval.
func (b *Backoff) EffectiveInterval(id string, base time.Duration) time.Duration {
	return base * time.Duration(b.Multiplier(id))
}
