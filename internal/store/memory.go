package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

type memoryStore struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
}

type memoryCache struct {
	name    string
	items   *gocache.Cache
	deleted atomic.Bool
}

// NewMemory returns a process-local store. Entries never expire on their own;
// freshness is decided by the cache managers.
func NewMemory() Store {
	return &memoryStore{caches: make(map[string]*memoryCache)}
}

func (s *memoryStore) Open(_ context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, items: gocache.New(gocache.NoExpiration, 0)}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.deleted.Store(true)
	c.items.Flush()
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *memoryStore) Match(ctx context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	caches := make([]*memoryCache, 0, len(s.order))
	for _, name := range s.order {
		caches = append(caches, s.caches[name])
	}
	s.mu.RUnlock()
	for _, c := range caches {
		if rec, ok, _ := c.Match(ctx, key); ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}

func (c *memoryCache) Match(_ context.Context, key string) (Record, bool, error) {
	v, ok := c.items.Get(key)
	if !ok {
		return Record{}, false, nil
	}
	rec, ok := v.(Record)
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, rec Record) error {
	if c.deleted.Load() {
		return fmt.Errorf("store: generation %q was deleted", c.name)
	}
	c.items.Set(key, cloneRecord(rec), gocache.NoExpiration)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	_, ok := c.items.Get(key)
	c.items.Delete(key)
	return ok, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	items := c.items.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
