// Package reconcile diffs successive snapshots of a polled collection
// and reduces them to the removals, additions, and updates the UI
// actually needs to apply. Insignificant numeric jitter is filtered
// out so clients are not redrawn for noise.
package reconcile

import (
	"sort"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
)

// DefaultRelativeThreshold is the fraction a numeric field must move,
// relative to its previous value, before the change counts as
// significant.
const DefaultRelativeThreshold = 0.01

// SignificanceFunc decides whether a single field change on an entity
// of the given kind is worth propagating.
type SignificanceFunc func(kind models.Kind, field string, prev, next any) bool

// Reconciler compares snapshots and produces deltas.
type Reconciler struct {
	significant SignificanceFunc
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSignificance replaces the field-change policy wholesale.
func WithSignificance(fn SignificanceFunc) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.significant = fn
		}
	}
}

// WithRelativeThreshold keeps the default policy but changes the
// numeric threshold. Values outside (0, 1] fall back to the default.
func WithRelativeThreshold(threshold float64) Option {
	return func(r *Reconciler) {
		r.significant = relativePolicy(map[models.Kind]float64{}, threshold)
	}
}

// WithKindThresholds keeps the default policy but applies per-kind
// numeric thresholds, falling back to fallback for kinds not listed.
func WithKindThresholds(thresholds map[models.Kind]float64, fallback float64) Option {
	return func(r *Reconciler) {
		r.significant = relativePolicy(thresholds, fallback)
	}
}

// New returns a Reconciler using the default significance policy
// unless options say otherwise.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{significant: DefaultSignificance}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Diff compares the previous and next snapshot for one task and
// returns the delta between them. Each entity key is visited exactly
// once. Output sections are sorted by key so downstream consumers see
// deterministic order: removals, then additions, then updates.
func (r *Reconciler) Diff(task string, kind models.Kind, prev, next models.Snapshot) models.Delta {
	delta := models.Delta{Task: task, Kind: kind}

	for key, prevEntity := range prev {
		nextEntity, ok := next[key]
		if !ok {
			delta.Removed = append(delta.Removed, key)
			continue
		}
		if r.changed(kind, prevEntity, nextEntity) {
			delta.Updated = append(delta.Updated, nextEntity)
		}
	}
	for key, nextEntity := range next {
		if _, ok := prev[key]; !ok {
			delta.Added = append(delta.Added, nextEntity)
		}
	}

	sort.Strings(delta.Removed)
	sortEntities(delta.Added)
	sortEntities(delta.Updated)
	return delta
}

// changed reports whether any field of the entity moved significantly.
// Fields present on only one side always count.
func (r *Reconciler) changed(kind models.Kind, prev, next models.Entity) bool {
	prevFields := prev.Fields()
	nextFields := next.Fields()

	for name, prevVal := range prevFields {
		nextVal, ok := nextFields[name]
		if !ok {
			return true
		}
		if r.significant(kind, name, prevVal, nextVal) {
			return true
		}
	}
	for name := range nextFields {
		if _, ok := prevFields[name]; !ok {
			return true
		}
	}
	return false
}

func sortEntities(entities []models.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityKey() < entities[j].EntityKey()
	})
}

// DefaultSignificance is the stock field-change policy: numeric fields
// must move by more than DefaultRelativeThreshold relative to their
// previous value, any non-numeric change counts, and a numeric field
// leaving zero always counts.
func DefaultSignificance(kind models.Kind, field string, prev, next any) bool {
	return numericSignificant(prev, next, DefaultRelativeThreshold)
}

func relativePolicy(thresholds map[models.Kind]float64, fallback float64) SignificanceFunc {
	if fallback <= 0 || fallback > 1 {
		fallback = DefaultRelativeThreshold
	}
	return func(kind models.Kind, field string, prev, next any) bool {
		threshold := fallback
		if t, ok := thresholds[kind]; ok && t > 0 && t <= 1 {
			threshold = t
		}
		return numericSignificant(prev, next, threshold)
	}
}

func numericSignificant(prev, next any, threshold float64) bool {
	prevNum, prevOK := toFloat(prev)
	nextNum, nextOK := toFloat(next)
	if !prevOK || !nextOK {
		return prev != next
	}
	if prevNum == nextNum {
		return false
	}
	if prevNum == 0 {
		return true
	}
	diff := nextNum - prevNum
	if diff < 0 {
		diff = -diff
	}
	base := prevNum
	if base < 0 {
		base = -base
	}
	return diff/base > threshold
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
