// Package lock provides per-key mutual exclusion that respects context
// cancellation.
package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Keyed hands out one exclusive gate per key. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed creates an empty Keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until the gate for key is acquired or ctx is done. The returned
// function releases the gate and must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.release(key, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *Keyed) release(key string, e *entry, held bool) {
	if held {
		e.sem.Release(1)
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
