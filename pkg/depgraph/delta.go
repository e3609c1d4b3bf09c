package depgraph

import (
	"maps"
	"slices"
)

// Delta is one differentiation unit. It is never persisted.
type Delta struct {
	sources    map[NodeSource]struct{}
	deleted    map[NodeSource]struct{}
	nodes      map[NodeSource][]Node
	sourceOnly bool
}

// Associate records the nodes src produced. The source joins the delta and
// is no longer considered deleted.
func (d *Delta) Associate(src NodeSource, nodes ...Node) {
	delete(d.deleted, src)
	d.sources[src] = struct{}{}
	d.nodes[src] = append(d.nodes[src], nodes...)
}

// Sources lists the sources to process in order.
func (d *Delta) Sources() []NodeSource {
	return slices.Sorted(maps.Keys(d.sources))
}

// Deleted lists the deleted sources in order.
func (d *Delta) Deleted() []NodeSource {
	return slices.Sorted(maps.Keys(d.deleted))
}

// IsSourceOnly reports whether the delta carries only source-level intent.
func (d *Delta) IsSourceOnly() bool {
	return d.sourceOnly
}

// IsDeleted reports whether src is deleted in this delta.
func (d *Delta) IsDeleted(src NodeSource) bool {
	_, ok := d.deleted[src]

	return ok
}

func (d *Delta) touches(src NodeSource) bool {
	if _, ok := d.sources[src]; ok {
		return true
	}

	_, ok := d.deleted[src]

	return ok
}
