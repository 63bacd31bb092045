package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"sync"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
)

// NATS implements Store on NATS JetStream key-value buckets, one bucket per
// namespace. JetStream replicates the bucket and its Create operation fails
// when the key already holds a value, which gives the conditional insert.
// Lock names are base64url encoded to satisfy the key alphabet.
type NATS struct {
	js       nats.JetStreamContext
	prefix   string
	replicas int
	storage  nats.StorageType

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

// NATSOption configures a NATS store.
type NATSOption func(*natsStoreOptions)

type natsStoreOptions struct {
	prefix   string
	replicas int
	storage  nats.StorageType
}

// WithBucketPrefix sets the prefix of the bucket names created per namespace.
func WithBucketPrefix(prefix string) NATSOption {
	return func(o *natsStoreOptions) {
		o.prefix = prefix
	}
}

// WithReplicas sets the number of replicas for buckets created by the store.
func WithReplicas(n int) NATSOption {
	return func(o *natsStoreOptions) {
		o.replicas = n
	}
}

// WithStorage selects file or memory storage for buckets created by the store.
func WithStorage(st nats.StorageType) NATSOption {
	return func(o *natsStoreOptions) {
		o.storage = st
	}
}

// NewNATS returns a NATS store backed by the JetStream context of conn.
func NewNATS(conn *nats.Conn, opts ...NATSOption) (*NATS, error) {
	o := natsStoreOptions{prefix: defaultTopicPrefix, replicas: 1, storage: nats.FileStorage}
	for _, opt := range opts {
		opt(&o)
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	return &NATS{
		js:       js,
		prefix:   o.prefix,
		replicas: o.replicas,
		storage:  o.storage,
		buckets:  make(map[string]nats.KeyValue),
	}, nil
}

func (s *NATS) bucket(namespace string) (nats.KeyValue, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[namespace]; ok {
		return kv, nil
	}
	name := s.prefix + "_" + namespace
	kv, err := s.js.KeyValue(name)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      name,
			Description: "clusterlock records for namespace " + namespace,
			History:     1,
			Storage:     s.storage,
			Replicas:    s.replicas,
		})
	}
	if err != nil {
		return nil, natsError(err)
	}
	s.buckets[namespace] = kv
	return kv, nil
}

func encodeKey(key string) string { return base64.RawURLEncoding.EncodeToString([]byte(key)) }

func decodeKey(k string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(k)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func natsError(err error) error {
	switch {
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return warperrors.ErrConnectionClosed
	case stdErrors.Is(err, nats.ErrTimeout):
		return warperrors.ErrTimeout
	}
	return ctxError(err)
}

func isKeyExists(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// Read implements Store.Read.
func (s *NATS) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	kv, err := s.bucket(namespace)
	if err != nil {
		return Record{}, false, err
	}
	entry, err := kv.Get(encodeKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, natsError(err)
	}
	rec := Record{Name: key}
	_ = json.Unmarshal(entry.Value(), &rec)
	rec.Name = key
	return rec, true, nil
}

// Insert implements Store.Insert using KeyValue.Create.
func (s *NATS) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	kv, err := s.bucket(namespace)
	if err != nil {
		return OutcomeError, err
	}
	rec.Name = key
	data, err := json.Marshal(rec)
	if err != nil {
		return OutcomeError, err
	}
	if _, err := kv.Create(encodeKey(key), data); err != nil {
		if isKeyExists(err) {
			return OutcomeConflict, nil
		}
		return OutcomeError, natsError(err)
	}
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete. Absent keys are left untouched so that no
// spurious delete markers are written.
func (s *NATS) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	kv, err := s.bucket(namespace)
	if err != nil {
		return err
	}
	k := encodeKey(key)
	if _, err := kv.Get(k); err != nil {
		if stdErrors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return natsError(err)
	}
	if err := kv.Delete(k); err != nil {
		return natsError(err)
	}
	return nil
}

// Subscribe implements Store.Subscribe using a bucket-wide watcher. Existing
// entries are not replayed and only delete and purge operations are
// forwarded.
func (s *NATS) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	kv, err := s.bucket(namespace)
	if err != nil {
		return nil, err
	}
	w, err := kv.WatchAll(nats.UpdatesOnly())
	if err != nil {
		return nil, natsError(err)
	}
	out := make(chan DeleteEvent, eventBuffer)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		updates := w.Updates()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-updates:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				op := entry.Operation()
				if op != nats.KeyValueDelete && op != nats.KeyValuePurge {
					continue
				}
				name, ok := decodeKey(entry.Key())
				if !ok {
					continue
				}
				select {
				case out <- DeleteEvent{Key: name}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
