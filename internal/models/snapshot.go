package models

import (
	"sort"
	"time"
)

// Snapshot is the last accepted fetch result for one task, keyed by
// EntityKey. A completed fetch replaces the snapshot wholesale; there
// is no partial merge.
type Snapshot map[string]Entity

// BuildSnapshot indexes a fetched collection by EntityKey. When a feed
// repeats a key the later entry wins.
func BuildSnapshot(entities []Entity) Snapshot {
	snap := make(Snapshot, len(entities))
	for _, e := range entities {
		if e == nil {
			continue
		}
		snap[e.EntityKey()] = e
	}
	return snap
}

// Keys returns the entity keys present in the snapshot, unordered.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// Clone returns a shallow copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Entities returns the snapshot contents sorted by entity key, the
// order deltas and state payloads use.
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityKey() < out[j].EntityKey() })
	return out
}

// StateSnapshot is the full engine state handed to a client on connect
// and served by the state endpoint.
type StateSnapshot struct {
	Tasks       []TaskStatus        `json:"tasks"`
	Collections map[string][]Entity `json:"collections"`
	LastUpdate  time.Time           `json:"lastUpdate"`
}
