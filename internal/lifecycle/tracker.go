package lifecycle

import (
	"sync"
	"time"
)

// Tracker is the in-memory dispatch ledger shared between the executor and
// the task lifecycle: which tasks currently hold a run slot, and which are
// cooling down before their next retry. Retry cooldowns are deliberately not
// persisted; a restart retries immediately.
type Tracker struct {
	mu         sync.Mutex
	dispatched map[string]struct{}
	retryAfter map[string]time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		dispatched: make(map[string]struct{}),
		retryAfter: make(map[string]time.Time),
	}
}

// TryDispatch claims a run slot for the task. It returns false when the task
// already holds one, which keeps a slow tick from double-dispatching.
func (t *Tracker) TryDispatch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.dispatched[id]; ok {
		return false
	}
	t.dispatched[id] = struct{}{}
	return true
}

// Done releases the task's run slot.
func (t *Tracker) Done(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dispatched, id)
}

// ActiveIDs returns the tasks currently holding run slots.
func (t *Tracker) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.dispatched))
	for id := range t.dispatched {
		out = append(out, id)
	}
	return out
}

// ActiveCount returns how many tasks hold run slots.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dispatched)
}

// SetRetryAfter records the earliest moment the task may be dispatched again.
func (t *Tracker) SetRetryAfter(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryAfter[id] = at
}

// Ready reports whether the task's retry cooldown, if any, has elapsed.
func (t *Tracker) Ready(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.retryAfter[id]
	return !ok || !now.Before(at)
}

// ClearRetry drops the task's retry cooldown.
func (t *Tracker) ClearRetry(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.retryAfter, id)
}

// Reset drops all tracking state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatched = make(map[string]struct{})
	t.retryAfter = make(map[string]time.Time)
}
