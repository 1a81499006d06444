package service

import (
	"context"
	"sync"
	"time"
)

// NegativeLookupCacheStore remembers keys that were looked up and found
// absent, so hot paths can skip re-querying the primary store. Entries are
// advisory: a miss here always falls through to the database.
type NegativeLookupCacheStore interface {
	Get(ctx context.Context, namespace, key string) (bool, error)
	Set(ctx context.Context, namespace, key string, ttl time.Duration) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type NoopNegativeLookupCacheStore struct{}

func NewNoopNegativeLookupCacheStore() *NoopNegativeLookupCacheStore {
	return &NoopNegativeLookupCacheStore{}
}

func (s *NoopNegativeLookupCacheStore) Get(context.Context, string, string) (bool, error) {
	return false, nil
}

func (s *NoopNegativeLookupCacheStore) Set(context.Context, string, string, time.Duration) error {
	return nil
}

func (s *NoopNegativeLookupCacheStore) InvalidateNamespace(context.Context, string) error {
	return nil
}

type inMemoryNegativeEntry struct {
	expiresAt time.Time
}

type InMemoryNegativeLookupCacheStore struct {
	mu      sync.Mutex
	entries map[string]map[string]inMemoryNegativeEntry
}

func NewInMemoryNegativeLookupCacheStore() *InMemoryNegativeLookupCacheStore {
	return &InMemoryNegativeLookupCacheStore{
		entries: make(map[string]map[string]inMemoryNegativeEntry),
	}
}

func (s *InMemoryNegativeLookupCacheStore) Get(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.entries[namespace]
	if !ok {
		return false, nil
	}
	entry, ok := ns[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(ns, key)
		if len(ns) == 0 {
			delete(s.entries, namespace)
		}
		return false, nil
	}
	return true, nil
}

func (s *InMemoryNegativeLookupCacheStore) Set(_ context.Context, namespace, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.entries[namespace]
	if !ok {
		ns = make(map[string]inMemoryNegativeEntry)
		s.entries[namespace] = ns
	}
	ns[key] = inMemoryNegativeEntry{expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryNegativeLookupCacheStore) InvalidateNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, namespace)
	return nil
}
