package progression

import "sync"

// applyLocks is an in-process, per-workflow try-lock guarding Apply.
type applyLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newApplyLocks() *applyLocks {
	return &applyLocks{held: make(map[string]struct{})}
}

func (l *applyLocks) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *applyLocks) release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
