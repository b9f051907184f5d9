package settlement

import "sync"

// userLocks serializes settlement operations per user. The idempotency
// claim, hold transition and balance read-modify-write for one user form a
// single atomic unit; operations on different users never contend.
type userLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[int64]*lockEntry)}
}

// Lock acquires the lock for userID and returns its unlock function.
func (l *userLocks) Lock(userID int64) func() {
	l.mu.Lock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &lockEntry{}
		l.entries[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}
