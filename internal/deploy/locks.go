package deploy

import "sync"

// hashLocks serializes work on a single content hash within the process, so
// a removal can never delete a blob that an ingestion is about to reference.
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[string]*hashLock)}
}

// Lock blocks until hash is free and returns the matching unlock.
func (l *hashLocks) Lock(hash string) (unlock func()) {
	l.mu.Lock()
	hl, ok := l.locks[hash]
	if !ok {
		hl = &hashLock{}
		l.locks[hash] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, hash)
		}
		l.mu.Unlock()
	}
}
