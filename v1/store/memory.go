package store

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-clusterlock/v1/notify"
)

// InMemory implements Store in process memory. Several lock services sharing
// one InMemory behave like separate processes sharing a real store.
type InMemory struct {
	mu      sync.Mutex
	records map[string]map[string]Record
	bus     notify.Bus
}

// NewInMemory returns an empty InMemory store. Deletions are announced on
// bus; a nil bus selects a private notify.InMemoryBus.
func NewInMemory(bus notify.Bus) *InMemory {
	if bus == nil {
		bus = notify.NewInMemoryBus()
	}
	return &InMemory{records: make(map[string]map[string]Record), bus: bus}
}

// Read implements Store.Read.
func (s *InMemory) Read(ctx context.Context, namespace, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, ctxError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[namespace][key]
	return rec, ok, nil
}

// Insert implements Store.Insert.
func (s *InMemory) Insert(ctx context.Context, namespace, key string, rec Record) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeError, ctxError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.records[namespace]
	if ns == nil {
		ns = make(map[string]Record)
		s.records[namespace] = ns
	}
	if _, ok := ns[key]; ok {
		return OutcomeConflict, nil
	}
	rec.Name = key
	ns[key] = rec
	return OutcomeSuccess, nil
}

// Delete implements Store.Delete.
func (s *InMemory) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	s.mu.Lock()
	rec, ok := s.records[namespace][key]
	if ok {
		delete(s.records[namespace], key)
		if len(s.records[namespace]) == 0 {
			delete(s.records, namespace)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	publishRelease(context.WithoutCancel(ctx), s.bus, releaseTopic(defaultTopicPrefix, namespace), rec)
	return nil
}

// Subscribe implements Store.Subscribe.
func (s *InMemory) Subscribe(ctx context.Context, namespace string) (<-chan DeleteEvent, error) {
	return subscribeReleases(ctx, s.bus, releaseTopic(defaultTopicPrefix, namespace))
}

// Len returns the number of records held in namespace.
func (s *InMemory) Len(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[namespace])
}
