// Package keylock serializes work per key while letting different keys run
// in parallel.
package keylock

import (
	"context"
	"sync"
)

// KeyLock is a set of mutexes created on demand, one per key. Entries are
// dropped once nobody holds or waits for them.
type KeyLock[K comparable] struct {
	// Global lock for accessing the entries map
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	// buffered with capacity 1; a token in the channel means held
	sem  chan struct{}
	refs int
}

// New creates an empty KeyLock
func New[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{entries: make(map[K]*entry)}
}

// Lock acquires the lock for key, waiting until it is free or ctx is done.
// On success the returned func releases it.
func (l *KeyLock[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := l.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(key, e)
		})
	}, nil
}

// TryLock acquires the lock for key only if it is free
func (l *KeyLock[K]) TryLock(key K) (func(), bool) {
	e := l.acquireRef(key)
	select {
	case e.sem <- struct{}{}:
	default:
		l.releaseRef(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.releaseRef(key, e)
		})
	}, true
}

// Len returns the number of keys currently held or waited on
func (l *KeyLock[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *KeyLock[K]) acquireRef(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyLock[K]) releaseRef(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
