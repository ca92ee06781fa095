package memory

import (
	"context"
	"sync"
	"time"
)

// lockTable hands out one exclusive lock per key. Entries are reference
// counted and dropped once nobody holds or waits on them, so the table only
// grows with the number of keys in flight.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// acquire blocks until key is free, ctx is done or timeout elapses. A zero
// timeout waits on ctx alone.
func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.unref(key, l)
		return ctx.Err()
	}
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	l, ok := t.locks[key]
	t.mu.Unlock()
	if !ok {
		return
	}

	<-l.sem
	t.unref(key, l)
}

func (t *lockTable) unref(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
