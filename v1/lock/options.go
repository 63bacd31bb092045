package lock

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	defaultNamespace          = "locks"
	defaultRetryInterval      = time.Second
	defaultContentionInterval = 10 * time.Second
	defaultBudgetRounds       = 3

	minResubscribeBackoff = 50 * time.Millisecond
	maxResubscribeBackoff = 5 * time.Second

	// maxInitialSubscribeWait caps how long New waits for the first
	// subscription.
	maxInitialSubscribeWait = time.Second
)

type options struct {
	namespace          string
	retryInterval      time.Duration
	defaultBudget      time.Duration
	owner              string
	logger             *slog.Logger
	contentionInterval time.Duration
	onClose            []func() error
}

// Option configures a Service.
type Option func(*options)

// WithNamespace sets the namespace lock records live in.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithRetryInterval sets the length of one acquisition round. It is both the
// polling period used when no release notification arrives and the unit
// TryLock budgets are divided by.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithDefaultBudget sets the budget used by TryLockDefault.
func WithDefaultBudget(d time.Duration) Option {
	return func(o *options) {
		o.defaultBudget = d
	}
}

// WithOwner sets the owner id written into lock records. It must be unique
// per Service.
func WithOwner(owner string) Option {
	return func(o *options) {
		o.owner = owner
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithContentionLogInterval limits how often a waiting message is logged
// for the same lock name.
func WithContentionLogInterval(d time.Duration) Option {
	return func(o *options) {
		o.contentionInterval = d
	}
}

// WithOnClose registers fn to run when the Service is closed, after the
// observer has stopped. Presets use it to close the clients they created.
func WithOnClose(fn func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.onClose = append(o.onClose, fn)
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		namespace:          defaultNamespace,
		retryInterval:      defaultRetryInterval,
		contentionInterval: defaultContentionInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.defaultBudget <= 0 {
		o.defaultBudget = defaultBudgetRounds * o.retryInterval
	}
	if o.owner == "" {
		o.owner = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
