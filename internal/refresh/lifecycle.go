package refresh

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Cause is one reason for pausing all polling.
type Cause string

const (
	// CauseHidden means every connected dashboard reports its page as
	// hidden.
	CauseHidden Cause = "hidden"
	// CauseBackground means no client is connected at all.
	CauseBackground Cause = "background"
	// CauseOffline means the network probe lost connectivity.
	CauseOffline Cause = "offline"
)

// Lifecycle folds visibility, occupancy, and connectivity signals into
// the registry's single global pause flag. Polling pauses while any
// cause is active and resumes only once every cause has cleared.
type Lifecycle struct {
	registry *Registry

	mu     sync.Mutex
	causes map[Cause]struct{}
}

// NewLifecycle returns a lifecycle gate driving the given registry.
func NewLifecycle(registry *Registry) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		causes:   make(map[Cause]struct{}),
	}
}

// Set activates or clears one pause cause. The registry is paused on
// the first active cause and resumed when the last one clears; the
// call is a no-op in between.
func (l *Lifecycle) Set(cause Cause, active bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.causes) > 0
	if active {
		l.causes[cause] = struct{}{}
	} else {
		delete(l.causes, cause)
	}
	after := len(l.causes) > 0

	if before == after {
		log.Debug().
			Str("cause", string(cause)).
			Bool("active", active).
			Strs("activeCauses", l.activeLocked()).
			Msg("Pause cause updated")
		return
	}
	if after {
		log.Info().Str("cause", string(cause)).Msg("Pausing all polling")
		l.registry.SetGlobalPause(true)
	} else {
		log.Info().Str("cleared", string(cause)).Msg("All pause causes cleared, resuming polling")
		l.registry.SetGlobalPause(false)
	}
}

// SetHidden reflects the dashboard's page visibility.
func (l *Lifecycle) SetHidden(hidden bool) { l.Set(CauseHidden, hidden) }

// SetBackground reflects client occupancy: active once the last client
// disconnects, cleared when the first one connects.
func (l *Lifecycle) SetBackground(background bool) { l.Set(CauseBackground, background) }

// SetOnline reflects network connectivity.
func (l *Lifecycle) SetOnline(online bool) { l.Set(CauseOffline, !online) }

// Paused reports whether any pause cause is currently active.
func (l *Lifecycle) Paused() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.causes) > 0
}

// ActiveCauses lists the active causes, sorted, for diagnostics.
func (l *Lifecycle) ActiveCauses() []string {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeLocked()
}

func (l *Lifecycle) activeLocked() []string {
	out := make([]string, 0, len(l.causes))
	for c := range l.causes {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
