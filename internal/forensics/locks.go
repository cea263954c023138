package forensics

import "sync"

// detectionLocks serializes updates per detection id. Entries are dropped
// once no caller holds or waits on them.
type detectionLocks struct {
	held map[string]*detectionLock
	mu   sync.Mutex
}

type detectionLock struct {
	mu   sync.Mutex
	refs int
}

func newDetectionLocks() *detectionLocks {
	return &detectionLocks{held: make(map[string]*detectionLock)}
}

// lock acquires the lock of id and returns its release func.
func (l *detectionLocks) lock(id string) func() {
	l.mu.Lock()

	dl, ok := l.held[id]
	if !ok {
		dl = &detectionLock{}
		l.held[id] = dl
	}

	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()

	return func() {
		dl.mu.Unlock()

		l.mu.Lock()

		dl.refs--
		if dl.refs == 0 {
			delete(l.held, id)
		}

		l.mu.Unlock()
	}
}

func (l *detectionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.held)
}
