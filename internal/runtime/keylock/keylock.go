// Package keylock serializes work per key while letting different keys
// proceed concurrently. Entries are reference counted and dropped when the
// last holder or waiter leaves.
package keylock

import (
	"context"
	"sync"
)

// Locks is a set of per-key mutexes.
type Locks[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// New returns an empty lock set.
func New[K comparable]() *Locks[K] {
	return &Locks[K]{entries: make(map[K]*entry)}
}

// Lock blocks until key is held or ctx is done. The returned function
// releases the key; calling it more than once is a no-op.
func (l *Locks[K]) Lock(ctx context.Context, key K) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

// Do runs fn while holding key.
func (l *Locks[K]) Do(ctx context.Context, key K, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (l *Locks[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locks[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
