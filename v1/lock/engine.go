package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-clusterlock/v1/metrics"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

var errUndecided = errors.New("insert outcome undecided")

// acquire runs acquisition rounds for name. A negative rounds value means
// run until acquired. Every round ends with a wait, including the last one,
// so a bounded call takes about rounds * retryInterval when it fails.
func (s *Service) acquire(ctx context.Context, name string, rounds int) (bool, error) {
	start := time.Now()
	for i := 0; rounds < 0 || i < rounds; i++ {
		if s.closed() {
			metrics.AcquireCounter.WithLabelValues("closed").Inc()
			return false, ErrClosed
		}
		ok, err := s.attempt(ctx, name)
		if err != nil {
			return false, s.abort(err)
		}
		if ok {
			metrics.AcquireCounter.WithLabelValues("acquired").Inc()
			metrics.AcquireLatency.Observe(time.Since(start).Seconds())
			if i > 0 {
				s.logger.Debug("clusterlock: acquired after contention", "namespace", s.namespace, "name", name, "rounds", i+1)
			}
			return true, nil
		}
		if err := s.wait(ctx, name); err != nil {
			return false, s.abort(err)
		}
	}
	metrics.AcquireCounter.WithLabelValues("exhausted").Inc()
	return false, nil
}

func (s *Service) abort(err error) error {
	if errors.Is(err, ErrClosed) {
		metrics.AcquireCounter.WithLabelValues("closed").Inc()
		return err
	}
	metrics.AcquireCounter.WithLabelValues("cancelled").Inc()
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// attempt runs a single round: local mutex, existence check, conditional
// insert. It reports whether the lock was taken. The error is non-nil only
// when ctx ended; store failures count as a lost round.
func (s *Service) attempt(ctx context.Context, name string) (bool, error) {
	release, err := s.keyed.Lock(ctx, name)
	if err != nil {
		return false, err
	}
	defer release()

	rec, held, err := s.store.Read(ctx, s.namespace, name)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.storeFailure("read", name, err)
		return false, nil
	}
	if held {
		s.contended(name, rec.Owner)
		return false, nil
	}

	out, err := s.store.Insert(ctx, s.namespace, name, store.Record{Name: name, Owner: s.owner})
	switch out {
	case store.OutcomeSuccess:
		return true, nil
	case store.OutcomeConflict:
		s.contended(name, "")
		return false, nil
	default:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			err = errUndecided
		}
		s.storeFailure("insert", name, err)
		return false, nil
	}
}

// wait blocks until the next release of name is observed, the retry
// interval elapses, ctx ends or the Service closes.
func (s *Service) wait(ctx context.Context, name string) error {
	w := s.registry.Register(name)
	defer s.registry.Release(name, w)

	timer := time.NewTimer(s.retryInterval)
	defer timer.Stop()
	select {
	case <-w.Done():
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Service) contended(name, holder string) {
	metrics.ContentionCounter.Inc()
	s.diagnostics.contended(s.namespace, name, holder)
}

func (s *Service) storeFailure(op, name string, err error) {
	metrics.StoreErrorCounter.WithLabelValues(op).Inc()
	s.logger.Warn("clusterlock: store "+op+" failed, retrying", "namespace", s.namespace, "name", name, "error", err)
}
