package engine

import "sync"

// inflight holds the (user, symbol) locks, each owned by one order ID.
// Acquisition never waits: a held key is reported to the caller, who fails
// the submission fast.
type inflight struct {
	mu   sync.Mutex
	held map[string]string
}

func newInflight() *inflight {
	return &inflight{held: make(map[string]string)}
}

// acquire takes the lock for key on behalf of owner and reports whether it
// was free.
func (l *inflight) acquire(key, owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = owner
	return true
}

// release frees key if owner still holds it. A stale release from an order
// that already gave the key up is a no-op.
func (l *inflight) release(key, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == owner {
		delete(l.held, key)
	}
}

func (l *inflight) holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[key]
	return owner, ok
}
