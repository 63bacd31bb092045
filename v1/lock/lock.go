// Package lock provides a cluster-wide mutual exclusion primitive built on a
// shared replicated store.
//
// A lock is held while a record with its name exists in the store. Acquiring
// means winning the store's conditional insert; releasing means deleting the
// record. Waiters are woken by the store's deletion notifications and fall
// back to polling at the retry interval when a notification is missed, so a
// lost event costs latency, never liveness.
//
// Locks carry no lease. A record stays until Unlock is called, by the holder
// or by an operator recovering from a crashed holder.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCancelled is returned when the caller's context ends while waiting
	// for a lock. The context error is wrapped alongside it.
	ErrCancelled = errors.New("lock: acquisition cancelled")
	// ErrClosed is returned by a Service after Close.
	ErrClosed = errors.New("lock: service closed")
	// ErrInvalidName is returned for empty lock names.
	ErrInvalidName = errors.New("lock: invalid name")
	// ErrNotAcquired is returned by WithTryLock when the budget runs out.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Locker is the lock surface callers depend on.
type Locker interface {
	// Lock blocks until name is acquired or ctx ends.
	Lock(ctx context.Context, name string) error
	// TryLock tries to acquire name within d. It reports false, not an
	// error, when the budget is exhausted.
	TryLock(ctx context.Context, name string, d time.Duration) (bool, error)
	// Unlock releases name. Releasing a name that is not held succeeds.
	Unlock(ctx context.Context, name string) error
}

// WithLock runs fn while holding name. The lock is released with a context
// detached from ctx so a cancelled caller still releases it.
func WithLock(ctx context.Context, l Locker, name string, fn func(context.Context) error) (err error) {
	if err := l.Lock(ctx, name); err != nil {
		return err
	}
	defer func() {
		uerr := l.Unlock(context.WithoutCancel(ctx), name)
		if err == nil {
			err = uerr
		}
	}()
	return fn(ctx)
}

// WithTryLock is WithLock with a bounded wait. It returns ErrNotAcquired when
// the lock could not be obtained within d.
func WithTryLock(ctx context.Context, l Locker, name string, d time.Duration, fn func(context.Context) error) (err error) {
	ok, err := l.TryLock(ctx, name, d)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		uerr := l.Unlock(context.WithoutCancel(ctx), name)
		if err == nil {
			err = uerr
		}
	}()
	return fn(ctx)
}
