package lock

import (
	"sync"

	"github.com/mirkobrombin/go-clusterlock/v1/metrics"
)

// Waiter is a single-assignment promise for the next observed release of a
// lock name. It lives only in the process that created it.
type Waiter struct {
	done chan struct{}
	once sync.Once
	refs int
}

// Done is closed once a release of the name has been observed.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

func (w *Waiter) resolve() bool {
	resolved := false
	w.once.Do(func() {
		close(w.done)
		resolved = true
	})
	return resolved
}

// WaitRegistry maps lock names to the Waiter shared by local contenders.
// Entries are reference counted so the map only holds names somebody is
// waiting on.
type WaitRegistry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// NewWaitRegistry returns an empty registry.
func NewWaitRegistry() *WaitRegistry {
	return &WaitRegistry{waiters: make(map[string]*Waiter)}
}

// Register returns the unresolved Waiter for name, creating it if needed,
// and takes a reference on it. Every Register must be paired with Release.
func (r *WaitRegistry) Register(name string) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[name]
	if !ok {
		w = &Waiter{done: make(chan struct{})}
		r.waiters[name] = w
		metrics.WaitingGauge.Inc()
	}
	w.refs++
	return w
}

// Release drops a reference taken by Register. The entry is removed once no
// contender references it.
func (r *WaitRegistry) Release(name string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.refs--
	if w.refs <= 0 && r.waiters[name] == w {
		delete(r.waiters, name)
		metrics.WaitingGauge.Dec()
	}
}

// Resolve completes the Waiter for name, if any, and removes it so the next
// round starts with a fresh promise. It reports whether a Waiter was found.
func (r *WaitRegistry) Resolve(name string) bool {
	r.mu.Lock()
	w, ok := r.waiters[name]
	if ok {
		delete(r.waiters, name)
		metrics.WaitingGauge.Dec()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return w.resolve()
}

// ResolveAll completes every registered Waiter and returns how many there
// were.
func (r *WaitRegistry) ResolveAll() int {
	r.mu.Lock()
	pending := r.waiters
	r.waiters = make(map[string]*Waiter)
	metrics.WaitingGauge.Sub(float64(len(pending)))
	r.mu.Unlock()
	for _, w := range pending {
		w.resolve()
	}
	return len(pending)
}

// Len returns the number of names with registered waiters.
func (r *WaitRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
