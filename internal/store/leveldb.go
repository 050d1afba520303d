package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// On-disk layout:
//
//	g:<name>            -> generation meta (creation sequence)
//	e:<name>\x00<key>   -> JSON Record
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type generationMeta struct {
	Seq int64 `json:"seq"`
}

type leveldbStore struct {
	db *leveldb.DB

	// mu serializes generation create/delete so a Delete cannot interleave
	// with the marker write of a concurrent Open.
	mu  sync.Mutex
	seq int64
}

type leveldbCache struct {
	store *leveldbStore
	name  string
}

// NewLevelDB opens (or creates) a persistent store rooted at path.
func NewLevelDB(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("store: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: leveldb open: %w", err)
	}
	s := &leveldbStore{db: db}
	metas, err := s.generations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, m := range metas {
		if m.meta.Seq > s.seq {
			s.seq = m.meta.Seq
		}
	}
	return s, nil
}

type namedMeta struct {
	name string
	meta generationMeta
}

func (s *leveldbStore) generations() ([]namedMeta, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []namedMeta
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var meta generationMeta
		if err := json.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedMeta{name: name, meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: leveldb scan generations: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Seq < out[j].meta.Seq })
	return out, nil
}

func (s *leveldbStore) Open(_ context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return nil, fmt.Errorf("store: leveldb has: %w", err)
	}
	if !ok {
		s.seq++
		b, _ := json.Marshal(generationMeta{Seq: s.seq})
		if err := s.db.Put([]byte(genPrefix+name), b, nil); err != nil {
			return nil, fmt.Errorf("store: leveldb create generation: %w", err)
		}
	}
	return &leveldbCache{store: s, name: name}, nil
}

func (s *leveldbStore) Has(_ context.Context, name string) (bool, error) {
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, fmt.Errorf("store: leveldb has: %w", err)
	}
	return ok, nil
}

func (s *leveldbStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(genPrefix+name), nil)
	if err != nil {
		return false, fmt.Errorf("store: leveldb has: %w", err)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("store: leveldb scan entries: %w", err)
	}
	batch.Delete([]byte(genPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("store: leveldb delete generation: %w", err)
	}
	return true, nil
}

func (s *leveldbStore) Keys(_ context.Context) ([]string, error) {
	metas, err := s.generations()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.name)
	}
	return out, nil
}

func (s *leveldbStore) Match(ctx context.Context, key string) (Record, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, name := range names {
		c := &leveldbCache{store: s, name: name}
		rec, ok, err := c.Match(ctx, key)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *leveldbStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (c *leveldbCache) entryKey(key string) []byte {
	return []byte(entryPrefix + c.name + keySep + key)
}

func (c *leveldbCache) Match(_ context.Context, key string) (Record, bool, error) {
	b, err := c.store.db.Get(c.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("store: leveldb get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("store: leveldb decode: %w", err)
	}
	return rec, true, nil
}

func (c *leveldbCache) Put(_ context.Context, key string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: leveldb encode: %w", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	ok, err := c.store.db.Has([]byte(genPrefix+c.name), nil)
	if err != nil {
		return fmt.Errorf("store: leveldb has: %w", err)
	}
	if !ok {
		return fmt.Errorf("store: generation %q was deleted", c.name)
	}
	if err := c.store.db.Put(c.entryKey(key), b, nil); err != nil {
		return fmt.Errorf("store: leveldb put: %w", err)
	}
	return nil
}

func (c *leveldbCache) Delete(_ context.Context, key string) (bool, error) {
	k := c.entryKey(key)
	ok, err := c.store.db.Has(k, nil)
	if err != nil {
		return false, fmt.Errorf("store: leveldb has: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := c.store.db.Delete(k, nil); err != nil {
		return false, fmt.Errorf("store: leveldb delete: %w", err)
	}
	return true, nil
}

func (c *leveldbCache) Keys(_ context.Context) ([]string, error) {
	prefix := []byte(entryPrefix + c.name + keySep)
	it := c.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: leveldb scan entries: %w", err)
	}
	return out, nil
}
