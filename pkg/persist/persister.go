package persist

import (
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
)

// Persister reads and writes records of one state type in a container map.
// Decode failures are reported as kvstore.ErrCorrupted: a record that cannot
// be read back means the map no longer reflects a consistent build.
type Persister[T any] struct {
	codec Codec
}

// NewPersister creates a persister using the given codec.
func NewPersister[T any](codec Codec) *Persister[T] {
	return &Persister[T]{codec: codec}
}

// Codec returns the codec used by the persister.
func (p *Persister[T]) Codec() Codec {
	return p.codec
}

// Encode serializes one record.
func (p *Persister[T]) Encode(state *T) ([]byte, error) {
	return Marshal(p.codec, state)
}

// Decode deserializes one record.
func (p *Persister[T]) Decode(data []byte) (*T, error) {
	var state T

	err := Unmarshal(p.codec, data, &state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kvstore.ErrCorrupted, err)
	}

	return &state, nil
}

// Save writes state under key.
func (p *Persister[T]) Save(m kvstore.Map, key string, state *T) error {
	data, err := p.Encode(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return m.Put(key, data)
}

// Load reads the record under key. The boolean is false when no record exists.
func (p *Persister[T]) Load(m kvstore.Map, key string) (*T, bool, error) {
	data, ok, err := m.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}

	state, err := p.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}

	return state, true, nil
}

// LoadAll reads every record in the map keyed by its map key.
func (p *Persister[T]) LoadAll(m kvstore.Map) (map[string]*T, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}

	records := make(map[string]*T, len(keys))

	for _, key := range keys {
		state, ok, loadErr := p.Load(m, key)
		if loadErr != nil {
			return nil, loadErr
		}

		if ok {
			records[key] = state
		}
	}

	return records, nil
}

// IsCorrupted reports whether err signals an unreadable record.
func IsCorrupted(err error) bool {
	return errors.Is(err, kvstore.ErrCorrupted)
}
