// Package cache is the read-through, write-invalidate layer in front of the
// durable store. Every call is best-effort: a nil Store or a miss is a
// latency cost, never an error, and the database remains the sole source of
// truth.
package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store keeps two TTL spaces: single-entity snapshots with a long TTL and
// list/aggregate results with a short one, since list results are more
// volatile than single-entity results.
type Store struct {
	entities *expirable.LRU[string, []byte]
	lists    *expirable.LRU[string, []byte]
}

// New builds a Store. maxEntries bounds each space independently.
func New(maxEntries int, entityTTL, listTTL time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &Store{
		entities: expirable.NewLRU[string, []byte](maxEntries, nil, entityTTL),
		lists:    expirable.NewLRU[string, []byte](maxEntries, nil, listTTL),
	}
}

func (s *Store) GetEntity(key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	return s.entities.Get(key)
}

func (s *Store) SetEntity(key string, snapshot []byte) {
	if s == nil {
		return
	}
	s.entities.Add(key, snapshot)
}

// RemoveEntity evicts a key. Eviction, not update: the next read repopulates
// from the durable store.
func (s *Store) RemoveEntity(key string) {
	if s == nil {
		return
	}
	s.entities.Remove(key)
}

func (s *Store) GetList(key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	return s.lists.Get(key)
}

func (s *Store) SetList(key string, snapshot []byte) {
	if s == nil {
		return
	}
	s.lists.Add(key, snapshot)
}

// PurgeLists evicts every list entry whose key starts with prefix. An empty
// prefix clears the whole list space.
func (s *Store) PurgeLists(prefix string) {
	if s == nil {
		return
	}
	if prefix == "" {
		s.lists.Purge()
		return
	}
	for _, key := range s.lists.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lists.Remove(key)
		}
	}
}
