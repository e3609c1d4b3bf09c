package depgraph

import (
	"fmt"

	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/persist"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// Kind is the storage kind of the dependency graph.
const Kind = "graph"

// sourceRecord is the persisted form of one source's nodes.
type sourceRecord struct {
	Nodes []Node
}

// Provider loads the dependency graph of a target from the build store.
var Provider = storage.NewProvider(Kind, func(ctx storage.Context) (*GraphStorage, error) {
	m, err := ctx.OpenMap()
	if err != nil {
		return nil, err
	}

	gs := &GraphStorage{
		Graph:     New(),
		backing:   m,
		persister: persist.NewPersister[sourceRecord](ctx.Codec),
	}

	records, err := gs.persister.LoadAll(m)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}

	for key, record := range records {
		gs.attach(NodeSource(key), record.Nodes)
	}

	return gs, nil
})

// GraphStorage is a Graph persisted through the build store. Integrated
// changes are written on Flush.
type GraphStorage struct {
	*Graph

	backing   kvstore.Map
	persister *persist.Persister[sourceRecord]
}

// Open returns the dependency graph of a target.
func Open(store *storage.Store, t target.BuildTarget) (*GraphStorage, error) {
	return storage.GetStorage(store, t, Provider)
}

// Flush implements storage.Storage.
func (gs *GraphStorage) Flush(bool) error {
	present, removed := gs.drain()
	if len(present) == 0 && len(removed) == 0 {
		return nil
	}

	batch := kvstore.Batch{Puts: make(map[string][]byte, len(present))}

	for src, nodes := range present {
		data, err := gs.persister.Encode(&sourceRecord{Nodes: nodes})
		if err != nil {
			gs.restore(present, removed)

			return fmt.Errorf("encode graph source %s: %w", src, err)
		}

		batch.Puts[string(src)] = data
	}

	for _, src := range removed {
		batch.Deletes = append(batch.Deletes, string(src))
	}

	if err := gs.backing.Apply(batch); err != nil {
		gs.restore(present, removed)

		return fmt.Errorf("write dependency graph: %w", err)
	}

	return nil
}

// Clean implements storage.Storage.
func (gs *GraphStorage) Clean() error {
	gs.Reset()
	gs.drain()

	return gs.backing.Clear()
}

// Close implements storage.Storage.
func (gs *GraphStorage) Close() error {
	return gs.Flush(false)
}
