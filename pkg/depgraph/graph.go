// Package depgraph implements the persistent dependency graph of a build
// target.
//
// Every compiled source produces a set of nodes. A node has an identity, a
// fingerprint of its compiled form and the identities of the nodes it uses.
// The graph is changed only through deltas: a delta is differentiated
// against the graph to find the sources affected by it and the accepted
// result is then integrated. Integration is validated against the graph
// generation the result was computed from.
package depgraph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Sentinel errors.
var (
	ErrStaleGeneration = errors.New("diff result computed against a stale graph generation")
	ErrNotIncremental  = errors.New("non-incremental diff result cannot be integrated")
)

// NodeSource is the portable, root-relative identifier of a source file.
type NodeSource string

// Node is one compiled entity produced by a source.
type Node struct {
	ID          string
	Fingerprint string
	Usages      []string
}

// Graph maps sources to the nodes they produce and indexes who uses what.
// Differentiation takes the read lock; integration takes the write lock.
type Graph struct {
	mu         sync.RWMutex
	sources    map[NodeSource][]Node
	owners     map[string]NodeSource
	dependents map[string]map[NodeSource]struct{}
	generation uint64

	// unsaved holds sources changed since the last drain.
	unsaved map[NodeSource]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		sources:    make(map[NodeSource][]Node),
		owners:     make(map[string]NodeSource),
		dependents: make(map[string]map[NodeSource]struct{}),
		unsaved:    make(map[NodeSource]struct{}),
	}
}

// Generation returns the number of integrations applied to the graph.
func (g *Graph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.generation
}

// Len returns the number of sources known to the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.sources)
}

// Sources lists every known source in order.
func (g *Graph) Sources() []NodeSource {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Sorted(maps.Keys(g.sources))
}

// Nodes returns a copy of the nodes produced by src.
func (g *Graph) Nodes(src NodeSource) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return cloneNodes(g.sources[src])
}

// Contains reports whether src is known to the graph.
func (g *Graph) Contains(src NodeSource) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.sources[src]

	return ok
}

// Dependents lists the sources with a node that uses id.
func (g *Graph) Dependents(id string) []NodeSource {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return slices.Sorted(maps.Keys(g.dependents[id]))
}

// Reset drops every source. It counts as an integration.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for src := range g.sources {
		g.unsaved[src] = struct{}{}
	}

	clear(g.sources)
	clear(g.owners)
	clear(g.dependents)
	g.generation++
}

// CreateDelta starts a differentiation unit. Deleted sources take precedence
// over sources to process.
func (g *Graph) CreateDelta(sources, deleted []NodeSource, sourceOnly bool) *Delta {
	d := &Delta{
		sources:    make(map[NodeSource]struct{}, len(sources)),
		deleted:    make(map[NodeSource]struct{}, len(deleted)),
		nodes:      make(map[NodeSource][]Node),
		sourceOnly: sourceOnly,
	}

	for _, src := range deleted {
		d.deleted[src] = struct{}{}
	}

	for _, src := range sources {
		if _, gone := d.deleted[src]; !gone {
			d.sources[src] = struct{}{}
		}
	}

	return d
}

// DiffParams tunes one differentiation.
type DiffParams struct {
	// CalculateAffected enables the affected-source computation and the
	// conflict checks. It is disabled for full rebuilds.
	CalculateAffected bool

	// ChangedIDs are node identities changed outside the graph, such as
	// libraries.
	ChangedIDs []string

	// MaxAffectedRatio, when positive, bounds the share of known sources a
	// delta may affect before it is considered too disruptive.
	MaxAffectedRatio float64
}

// DiffResult is the outcome of differentiating a delta.
type DiffResult struct {
	IsIncremental   bool
	AffectedSources []NodeSource
	ChangedIDs      []string
	// Reason explains a non-incremental result.
	Reason string

	delta      *Delta
	generation uint64
}

// Delta returns the differentiated delta.
func (r DiffResult) Delta() *Delta {
	return r.delta
}

// Generation returns the graph generation the result was computed against.
func (r DiffResult) Generation() uint64 {
	return r.generation
}

// Differentiate computes the sources affected by delta. The graph is not
// modified.
func (g *Graph) Differentiate(delta *Delta, params DiffParams) DiffResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := DiffResult{IsIncremental: true, delta: delta, generation: g.generation}

	if params.CalculateAffected && !delta.sourceOnly {
		if reason := g.conflict(delta); reason != "" {
			result.IsIncremental = false
			result.Reason = reason

			return result
		}
	}

	changed := make(map[string]struct{}, len(params.ChangedIDs))
	for _, id := range params.ChangedIDs {
		changed[id] = struct{}{}
	}

	for src := range delta.deleted {
		for _, n := range g.sources[src] {
			changed[n.ID] = struct{}{}
		}
	}

	for src := range delta.sources {
		if delta.sourceOnly {
			for _, n := range g.sources[src] {
				changed[n.ID] = struct{}{}
			}

			continue
		}

		diffNodes(g.sources[src], delta.nodes[src], changed)
	}

	result.ChangedIDs = slices.Sorted(maps.Keys(changed))

	if !params.CalculateAffected {
		return result
	}

	affected := make(map[NodeSource]struct{})

	for id := range changed {
		for src := range g.dependents[id] {
			affected[src] = struct{}{}
		}
	}

	for src := range delta.sources {
		if delta.sourceOnly {
			affected[src] = struct{}{}
		} else {
			delete(affected, src)
		}
	}

	for src := range delta.deleted {
		delete(affected, src)
	}

	result.AffectedSources = slices.Sorted(maps.Keys(affected))

	if params.MaxAffectedRatio > 0 && len(g.sources) > 0 {
		ratio := float64(len(affected)) / float64(len(g.sources))
		if ratio > params.MaxAffectedRatio {
			result.IsIncremental = false
			result.Reason = fmt.Sprintf("delta affects %.0f%% of known sources", ratio*100)
		}
	}

	return result
}

// conflict reports why the produced nodes of delta overlap inconsistently,
// or "" when they do not.
func (g *Graph) conflict(delta *Delta) string {
	claimed := make(map[string]NodeSource)

	for _, src := range delta.Sources() {
		for _, n := range delta.nodes[src] {
			if other, ok := claimed[n.ID]; ok && other != src {
				return fmt.Sprintf("node %s produced by both %s and %s", n.ID, other, src)
			}

			claimed[n.ID] = src

			owner, ok := g.owners[n.ID]
			if !ok || owner == src || delta.touches(owner) {
				continue
			}

			return fmt.Sprintf("node %s produced by %s is already owned by %s", n.ID, src, owner)
		}
	}

	return ""
}

// diffNodes adds to changed every identity removed, added or refingerprinted
// between before and after.
func diffNodes(before, after []Node, changed map[string]struct{}) {
	old := make(map[string]string, len(before))
	for _, n := range before {
		old[n.ID] = n.Fingerprint
	}

	seen := make(map[string]struct{}, len(after))

	for _, n := range after {
		seen[n.ID] = struct{}{}

		if fp, ok := old[n.ID]; !ok || fp != n.Fingerprint {
			changed[n.ID] = struct{}{}
		}
	}

	for id := range old {
		if _, ok := seen[id]; !ok {
			changed[id] = struct{}{}
		}
	}
}

// Integrate commits a differentiated delta. Source-only deltas commit only
// their deletions.
func (g *Graph) Integrate(result DiffResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if result.generation != g.generation {
		return fmt.Errorf("%w: result %d, graph %d", ErrStaleGeneration, result.generation, g.generation)
	}

	if !result.IsIncremental {
		return ErrNotIncremental
	}

	delta := result.delta

	for src := range delta.deleted {
		g.detach(src)
		delete(g.sources, src)
		g.unsaved[src] = struct{}{}
	}

	if !delta.sourceOnly {
		for src := range delta.sources {
			g.detach(src)
			g.attach(src, cloneNodes(delta.nodes[src]))
			g.unsaved[src] = struct{}{}
		}
	}

	g.generation++

	return nil
}

func (g *Graph) detach(src NodeSource) {
	for _, n := range g.sources[src] {
		if g.owners[n.ID] == src {
			delete(g.owners, n.ID)
		}

		for _, used := range n.Usages {
			users := g.dependents[used]
			delete(users, src)

			if len(users) == 0 {
				delete(g.dependents, used)
			}
		}
	}
}

func (g *Graph) attach(src NodeSource, nodes []Node) {
	g.sources[src] = nodes

	for _, n := range nodes {
		g.owners[n.ID] = src

		for _, used := range n.Usages {
			users, ok := g.dependents[used]
			if !ok {
				users = make(map[NodeSource]struct{})
				g.dependents[used] = users
			}

			users[src] = struct{}{}
		}
	}
}

// drain returns the sources changed since the previous drain: those still
// known with their current nodes, and those removed.
func (g *Graph) drain() (map[NodeSource][]Node, []NodeSource) {
	g.mu.Lock()
	defer g.mu.Unlock()

	present := make(map[NodeSource][]Node, len(g.unsaved))

	var removed []NodeSource

	for src := range g.unsaved {
		if nodes, ok := g.sources[src]; ok {
			present[src] = cloneNodes(nodes)
		} else {
			removed = append(removed, src)
		}
	}

	clear(g.unsaved)

	return present, removed
}

// restore marks sources as unsaved again after a failed write.
func (g *Graph) restore(present map[NodeSource][]Node, removed []NodeSource) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for src := range present {
		g.unsaved[src] = struct{}{}
	}

	for _, src := range removed {
		g.unsaved[src] = struct{}{}
	}
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}

	result := make([]Node, len(nodes))
	for i, n := range nodes {
		result[i] = Node{ID: n.ID, Fingerprint: n.Fingerprint, Usages: slices.Clone(n.Usages)}
	}

	return result
}
