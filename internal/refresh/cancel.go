package refresh

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Token is bound to exactly one in-flight fetch. It wraps a derived
// context whose cancellation both aborts the underlying request and
// marks the eventual result as discardable.
type Token struct {
	id     string
	scopes []string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	valid bool
}

// ID returns the token's unique identifier.
func (t *Token) ID() string { return t.id }

// Context returns the context the fetch must run under.
func (t *Token) Context() context.Context { return t.ctx }

// Valid reports whether the token still authorizes applying results.
func (t *Token) Valid() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// Invalidate marks the token invalid and cancels its context. Safe to
// call more than once.
func (t *Token) Invalidate() {
	if t == nil {
		return
	}
	t.mu.Lock()
	was := t.valid
	t.valid = false
	t.mu.Unlock()

	t.cancel()
	if was {
		log.Debug().Str("token", t.id).Strs("scopes", t.scopes).Msg("Cancellation token invalidated")
	}
}

// Tracker issues cancellation tokens and invalidates them in bulk by
// scope. A token may belong to several scopes at once, typically its
// task id and the view that owns the task.
type Tracker struct {
	mu      sync.Mutex
	byScope map[string]map[string]*Token
	byID    map[string]*Token
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byScope: make(map[string]map[string]*Token),
		byID:    make(map[string]*Token),
	}
}

// Issue creates a valid token derived from parent, registered under
// every given scope.
func (tr *Tracker) Issue(parent context.Context, scopes ...string) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	token := &Token{
		id:     ulid.Make().String(),
		scopes: scopes,
		ctx:    ctx,
		cancel: cancel,
		valid:  true,
	}

	tr.mu.Lock()
	tr.byID[token.id] = token
	for _, scope := range scopes {
		bucket, ok := tr.byScope[scope]
		if !ok {
			bucket = make(map[string]*Token)
			tr.byScope[scope] = bucket
		}
		bucket[token.id] = token
	}
	tr.mu.Unlock()

	return token
}

// CancelScope invalidates every live token registered under scope and
// returns how many were invalidated.
func (tr *Tracker) CancelScope(scope string) int {
	tr.mu.Lock()
	bucket := tr.byScope[scope]
	tokens := make([]*Token, 0, len(bucket))
	for _, token := range bucket {
		tokens = append(tokens, token)
	}
	tr.mu.Unlock()

	for _, token := range tokens {
		token.Invalidate()
		tr.Release(token)
	}
	if len(tokens) > 0 {
		log.Debug().Str("scope", scope).Int("count", len(tokens)).Msg("Cancelled in-flight requests for scope")
	}
	return len(tokens)
}

// Release removes a settled token from the tracker. It does not
// invalidate: a completed fetch releases its still-valid token.
func (tr *Tracker) Release(token *Token) {
	if token == nil {
		return
	}
	tr.mu.Lock()
	delete(tr.byID, token.id)
	for _, scope := range token.scopes {
		if bucket, ok := tr.byScope[scope]; ok {
			delete(bucket, token.id)
			if len(bucket) == 0 {
				delete(tr.byScope, scope)
			}
		}
	}
	tr.mu.Unlock()
}

// Live returns the number of outstanding tokens, across all scopes.
func (tr *Tracker) Live() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.byID)
}
