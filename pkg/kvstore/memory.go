package kvstore

import (
	"maps"
	"slices"
	"sync"
)

// Memory is a Container that keeps every map in process memory.
type Memory struct {
	mu     sync.RWMutex
	maps   map[string]map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory container.
func NewMemory() *Memory {
	return &Memory{maps: make(map[string]map[string][]byte)}
}

// Map implements Container.
func (m *Memory) Map(name string) (Map, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if _, ok := m.maps[name]; !ok {
		m.maps[name] = make(map[string][]byte)
	}

	return &memoryMap{owner: m, name: name}, nil
}

// Flush implements Container. Memory writes are immediately visible.
func (m *Memory) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	return nil
}

// Close implements Container.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

type memoryMap struct {
	owner *Memory
	name  string
}

func (mm *memoryMap) Get(key string) ([]byte, bool, error) {
	mm.owner.mu.RLock()
	defer mm.owner.mu.RUnlock()

	if mm.owner.closed {
		return nil, false, ErrClosed
	}

	value, ok := mm.owner.maps[mm.name][key]
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(value), true, nil
}

func (mm *memoryMap) Put(key string, value []byte) error {
	return mm.Apply(Batch{Puts: map[string][]byte{key: value}})
}

func (mm *memoryMap) Delete(key string) error {
	return mm.Apply(Batch{Deletes: []string{key}})
}

func (mm *memoryMap) Keys() ([]string, error) {
	mm.owner.mu.RLock()
	defer mm.owner.mu.RUnlock()

	if mm.owner.closed {
		return nil, ErrClosed
	}

	return slices.Sorted(maps.Keys(mm.owner.maps[mm.name])), nil
}

func (mm *memoryMap) Clear() error {
	mm.owner.mu.Lock()
	defer mm.owner.mu.Unlock()

	if mm.owner.closed {
		return ErrClosed
	}

	mm.owner.maps[mm.name] = make(map[string][]byte)

	return nil
}

func (mm *memoryMap) Apply(batch Batch) error {
	mm.owner.mu.Lock()
	defer mm.owner.mu.Unlock()

	if mm.owner.closed {
		return ErrClosed
	}

	entries := mm.owner.maps[mm.name]
	if entries == nil {
		entries = make(map[string][]byte)
		mm.owner.maps[mm.name] = entries
	}

	for key, value := range batch.Puts {
		entries[key] = slices.Clone(value)
	}

	for _, key := range batch.Deletes {
		delete(entries, key)
	}

	return nil
}
