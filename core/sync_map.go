package core

import "sync"

// SyncMap is an implementation of a map that is safe for concurrent usage.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// LoadAndDelete removes the key and returns the value it held.
func (s *SyncMap[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	if ok {
		delete(s.m, key)
	}
	return
}

// DeleteFunc removes every entry for which del returns true and returns the
// removed values. The check and the removal happen under one lock.
func (s *SyncMap[K, V]) DeleteFunc(del func(key K, value V) bool) []V {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []V
	for k, v := range s.m {
		if del(k, v) {
			removed = append(removed, v)
			delete(s.m, k)
		}
	}
	return removed
}
