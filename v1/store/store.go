// Package store defines the contract the lock service expects from the shared
// replicated store that holds lock records, along with adapters for Redis,
// NATS JetStream key-value buckets, PostgreSQL, MySQL, SQL databases via GORM
// and an in-memory implementation.
//
// A record's existence is the lock. Records are only ever created through
// Insert, which must let at most one of several concurrent callers win, and
// removed through Delete, which must notify subscribers of the namespace.
package store

import (
	"context"
	stdErrors "errors"
	"regexp"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
)

// Record is a persisted lock marker.
type Record struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

// Outcome is the result of a conditional insert.
type Outcome int

const (
	// OutcomeSuccess means the record was created by this call.
	OutcomeSuccess Outcome = iota
	// OutcomeConflict means a record with the same key already existed.
	OutcomeConflict
	// OutcomeError means the store could not decide; the accompanying
	// error describes why.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflict:
		return "conflict"
	default:
		return "error"
	}
}

// DeleteEvent reports the removal of a record. Removed is nil when the store
// cannot tell what the removed record contained.
type DeleteEvent struct {
	Key     string  `json:"key"`
	Removed *Record `json:"removed,omitempty"`
}

// Store is the replicated store holding lock records.
type Store interface {
	// Read returns the record stored under key, if any.
	Read(ctx context.Context, namespace, key string) (Record, bool, error)
	// Insert creates the record only if key is absent.
	Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error)
	// Delete removes the record under key. Deleting an absent key succeeds.
	Delete(ctx context.Context, namespace, key string) error
	// Subscribe streams deletions in namespace until ctx is canceled, at
	// which point the channel is closed.
	Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error)
}

// ErrInvalidNamespace is returned for namespaces that cannot be mapped onto
// every backend's naming rules.
var ErrInvalidNamespace = stdErrors.New("store: invalid namespace")

var namespaceRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateNamespace reports whether ns is usable as a namespace.
func ValidateNamespace(ns string) error {
	if !namespaceRe.MatchString(ns) {
		return ErrInvalidNamespace
	}
	return nil
}

// releaseTopic is the notification topic used by stores that publish
// deletions through a notify.Bus.
func releaseTopic(prefix, namespace string) string {
	return prefix + "." + namespace + ".released"
}

// eventBuffer bounds undelivered deletion events per subscriber.
const eventBuffer = 64

func ctxError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
