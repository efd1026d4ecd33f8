package modman

import "sync"

// LockTable holds process-local advisory locks keyed by location uuid.
type LockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]bool)}
}

// TryLock takes the lock for key without waiting. It reports false if the
// lock is already held.
func (t *LockTable) TryLock(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[key] {
		return false
	}
	t.held[key] = true
	return true
}

func (t *LockTable) Unlock(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}

// Locked reports whether key is currently held.
func (t *LockTable) Locked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[key]
}
