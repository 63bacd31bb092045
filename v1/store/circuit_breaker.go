package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls to a failing
// store.
var ErrCircuitOpen = stdErrors.New("store: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store with circuit breaker logic. Read, Insert
// and Delete are guarded; a conflict is a valid answer and never counts as a
// failure. A call the caller canceled is no evidence either way and leaves
// the breaker as it found it.
type CircuitBreaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker that opens after threshold
// consecutive failures and probes again once timeout has elapsed.
func NewCircuitBreaker(s Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     s,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls would currently be let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow moves an expired open breaker to half-open and admits a single probe.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	switch {
	case err == nil:
		cb.onSuccess()
	case stdErrors.Is(err, context.Canceled):
		cb.onCanceled()
	default:
		cb.onFailure()
	}
}

// onCanceled returns an interrupted half-open call to open, so the next call
// is admitted again.
func (cb *CircuitBreaker) onCanceled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateHalfOpen {
		// lastFail is already older than timeout.
		cb.state = stateOpen
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Read implements Store.Read with circuit breaker logic.
func (cb *CircuitBreaker) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if !cb.allow() {
		return Record{}, false, ErrCircuitOpen
	}
	rec, ok, err := cb.store.Read(ctx, namespace, key)
	cb.record(err)
	return rec, ok, err
}

// Insert implements Store.Insert with circuit breaker logic.
func (cb *CircuitBreaker) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if !cb.allow() {
		return OutcomeError, ErrCircuitOpen
	}
	out, err := cb.store.Insert(ctx, namespace, key, rec)
	cb.record(err)
	return out, err
}

// Delete implements Store.Delete with circuit breaker logic.
func (cb *CircuitBreaker) Delete(ctx context.Context, namespace, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.store.Delete(ctx, namespace, key)
	cb.record(err)
	return err
}

// Subscribe passes through to the wrapped store; the observer has its own
// reconnect backoff.
func (cb *CircuitBreaker) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	return cb.store.Subscribe(ctx, namespace)
}
