package storage

import (
	"maps"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/persist"
)

// recordMap is a write-back cache of typed records over one container map.
// Reads are served from memory when possible; writes stay pending until
// flush pushes them to the container as one batch.
type recordMap[T any] struct {
	mu        sync.Mutex
	backing   kvstore.Map
	persister *persist.Persister[T]
	cache     map[string]*T
	pending   map[string]*T // nil value marks a delete
}

func newRecordMap[T any](backing kvstore.Map, codec persist.Codec) *recordMap[T] {
	return &recordMap[T]{
		backing:   backing,
		persister: persist.NewPersister[T](codec),
		cache:     make(map[string]*T),
		pending:   make(map[string]*T),
	}
}

func (r *recordMap[T]) get(key string) (*T, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.pending[key]; ok {
		return value, value != nil, nil
	}

	if value, ok := r.cache[key]; ok {
		return value, true, nil
	}

	value, ok, err := r.persister.Load(r.backing, key)
	if err != nil || !ok {
		return nil, false, err
	}

	r.cache[key] = value

	return value, true, nil
}

func (r *recordMap[T]) put(key string, value *T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[key] = value
	r.cache[key] = value
}

func (r *recordMap[T]) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[key] = nil
	delete(r.cache, key)
}

func (r *recordMap[T]) keys() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.backing.Keys()
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(stored)+len(r.pending))
	for _, key := range stored {
		set[key] = struct{}{}
	}

	for key, value := range r.pending {
		if value == nil {
			delete(set, key)
		} else {
			set[key] = struct{}{}
		}
	}

	return slices.Sorted(maps.Keys(set)), nil
}

// flush writes pending records. When dropCache is set the read cache is
// released as well.
func (r *recordMap[T]) flush(dropCache bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) > 0 {
		batch := kvstore.Batch{Puts: make(map[string][]byte, len(r.pending))}

		for key, value := range r.pending {
			if value == nil {
				batch.Deletes = append(batch.Deletes, key)

				continue
			}

			data, err := r.persister.Encode(value)
			if err != nil {
				return err
			}

			batch.Puts[key] = data
		}

		if err := r.backing.Apply(batch); err != nil {
			return err
		}

		r.pending = make(map[string]*T)
	}

	if dropCache {
		r.cache = make(map[string]*T)
	}

	return nil
}

func (r *recordMap[T]) clean() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = make(map[string]*T)
	r.cache = make(map[string]*T)

	return r.backing.Clear()
}
