package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
	"github.com/mirkobrombin/go-clusterlock/v1/metrics"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-clusterlock/v1/lock")

// Service hands out locks of one namespace of a Store. It is safe for
// concurrent use; every caller blocks on its own goroutine.
type Service struct {
	store         store.Store
	namespace     string
	owner         string
	retryInterval time.Duration
	defaultBudget time.Duration
	logger        *slog.Logger

	registry    *WaitRegistry
	keyed       *keyedMutex
	diagnostics *contentionLog

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	onClose   []func() error
}

var _ Locker = (*Service)(nil)

// New returns a Service storing its locks in s. The Service subscribes to
// the namespace's deletion stream right away, waiting at most one retry
// interval (and never more than a second); a slow or failed subscription is completed in the background and
// waiters poll in the meantime.
func New(s store.Store, opts ...Option) (*Service, error) {
	o := newOptions(opts)
	if err := store.ValidateNamespace(o.namespace); err != nil {
		return nil, fmt.Errorf("lock: namespace %q: %w", o.namespace, err)
	}
	diag, err := newContentionLog(o.logger, o.contentionInterval)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		store:         s,
		namespace:     o.namespace,
		owner:         o.owner,
		retryInterval: o.retryInterval,
		defaultBudget: o.defaultBudget,
		logger:        o.logger,
		registry:      NewWaitRegistry(),
		keyed:         newKeyedMutex(),
		diagnostics:   diag,
		cancel:        cancel,
		done:          make(chan struct{}),
		onClose:       o.onClose,
	}
	obs := &observer{
		store:      s,
		namespace:  o.namespace,
		registry:   svc.registry,
		logger:     o.logger,
		minBackoff: minResubscribeBackoff,
		maxBackoff: maxResubscribeBackoff,
	}
	ch, late := obs.start(ctx, min(o.retryInterval, maxInitialSubscribeWait))
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		if late != nil {
			select {
			case res := <-late:
				if ch = obs.accept(res); ch != nil {
					// Releases before this point went unheard.
					svc.registry.ResolveAll()
				}
			case <-ctx.Done():
				return
			}
		}
		obs.run(ctx, ch)
	}()
	return svc, nil
}

// Owner returns the id written into records this Service creates.
func (s *Service) Owner() string { return s.owner }

// Namespace returns the namespace locks live in.
func (s *Service) Namespace() string { return s.namespace }

// RetryInterval returns the length of one acquisition round.
func (s *Service) RetryInterval() time.Duration { return s.retryInterval }

func (s *Service) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Service) check(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if s.closed() {
		return ErrClosed
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lock."+op, trace.WithAttributes(
		attribute.String("clusterlock.namespace", s.namespace),
		attribute.String("clusterlock.name", name),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Lock blocks until name is acquired. It returns an error only when ctx
// ends (ErrCancelled), the Service is closed (ErrClosed) or name is empty.
func (s *Service) Lock(ctx context.Context, name string) (err error) {
	ctx, span := s.startSpan(ctx, "Lock", name)
	defer func() { endSpan(span, err) }()
	if err := s.check(name); err != nil {
		return err
	}
	_, err = s.acquire(ctx, name, -1)
	return err
}

// TryLock tries to acquire name for floor(d / retryInterval) rounds. A
// budget shorter than one round makes no attempt at all. Running out of
// rounds reports false with a nil error.
func (s *Service) TryLock(ctx context.Context, name string, d time.Duration) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "TryLock", name)
	defer func() {
		span.SetAttributes(attribute.Bool("clusterlock.acquired", ok))
		endSpan(span, err)
	}()
	if err := s.check(name); err != nil {
		return false, err
	}
	rounds := 0
	if d > 0 {
		rounds = int(d / s.retryInterval)
	}
	if rounds == 0 {
		metrics.AcquireCounter.WithLabelValues("exhausted").Inc()
		return false, nil
	}
	return s.acquire(ctx, name, rounds)
}

// TryLockDefault is TryLock with the configured default budget.
func (s *Service) TryLockDefault(ctx context.Context, name string) (bool, error) {
	return s.TryLock(ctx, name, s.defaultBudget)
}

// Unlock deletes the record for name. Deleting a name that is not held,
// including one held by another process, succeeds. Store failures are
// reported as warperrors.ErrStoreUnavailable.
func (s *Service) Unlock(ctx context.Context, name string) (err error) {
	ctx, span := s.startSpan(ctx, "Unlock", name)
	defer func() { endSpan(span, err) }()
	if err := s.check(name); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.namespace, name); err != nil {
		metrics.StoreErrorCounter.WithLabelValues("delete").Inc()
		s.logger.Warn("clusterlock: unlock failed", "namespace", s.namespace, "name", name, "error", err)
		return fmt.Errorf("%w: %v", warperrors.ErrStoreUnavailable, err)
	}
	metrics.ReleaseCounter.Inc()
	return nil
}

// Status reports the record currently holding name, if any.
func (s *Service) Status(ctx context.Context, name string) (store.Record, bool, error) {
	if err := s.check(name); err != nil {
		return store.Record{}, false, err
	}
	rec, ok, err := s.store.Read(ctx, s.namespace, name)
	if err != nil {
		metrics.StoreErrorCounter.WithLabelValues("read").Inc()
		return store.Record{}, false, fmt.Errorf("%w: %v", warperrors.ErrStoreUnavailable, err)
	}
	return rec, ok, nil
}

// Watch streams the releases of the Service namespace until ctx ends.
func (s *Service) Watch(ctx context.Context) (<-chan store.DeleteEvent, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	ch, err := s.store.Subscribe(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", warperrors.ErrStoreUnavailable, err)
	}
	return ch, nil
}

// Close stops the observer, wakes every waiter with ErrClosed and runs the
// functions registered with WithOnClose. Held locks are left in the store.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		s.registry.ResolveAll()
		s.diagnostics.close()
		for _, fn := range s.onClose {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
