package lock

import (
	"context"
	"sync"
)

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// keyedMutex serializes local callers per lock name. Names are compared by
// value, so two equal strings always map to the same mutex. Entries are
// dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for name and returns the function releasing it.
// It gives up when ctx ends.
func (k *keyedMutex) Lock(ctx context.Context, name string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[name]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[name] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.drop(name, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.drop(name, e)
		})
	}, nil
}

func (k *keyedMutex) drop(name string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, name)
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
