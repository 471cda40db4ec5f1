// Package shard provides a string-keyed map split into independently locked
// stripes, so that writes for one plugin never block readers of another.
package shard

import (
	"hash/fnv"
	"sort"
	"sync"
)

// Count is the number of lock stripes.
const Count = 32

// Map is a concurrent map of values keyed by plugin id.
// The zero value is not usable; call New.
type Map[V any] struct {
	buckets [Count]bucket[V]
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New creates an empty Map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.buckets {
		m.buckets[i].items = make(map[string]V)
	}
	return m
}

// Index returns the stripe a key lives in.
func Index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % Count)
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	return &m.buckets[Index(key)]
}

// Get returns the value for key under a read lock.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

// Update runs fn on the value for key while holding the stripe's write lock.
// ok is false when key was absent and v is the zero value. The modified value
// is stored only when fn returns nil, so a failed check leaves no trace.
func (m *Map[V]) Update(key string, fn func(v *V, ok bool) error) error {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if err := fn(&v, ok); err != nil {
		return err
	}
	b.items[key] = v
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	delete(b.items, key)
	return ok
}

// Snapshot copies every entry. Each stripe is read-locked only while it is
// being copied.
func (m *Map[V]) Snapshot() map[string]V {
	out := make(map[string]V)
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		for k, v := range b.items {
			out[k] = v
		}
		b.mu.RUnlock()
	}
	return out
}

// Keys returns all keys in sorted order.
func (m *Map[V]) Keys() []string {
	var keys []string
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		for k := range b.items {
			keys = append(keys, k)
		}
		b.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
