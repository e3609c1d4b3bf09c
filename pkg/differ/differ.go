// Package differ connects the filesystem state of a target with its
// dependency graph.
//
// Before the first round it expands the dirty set of an incremental build
// with every source depending on something that changed. After each round
// it turns the nodes produced by the stages into a delta, marks the sources
// affected by it for the next round and commits it to the graph when the
// round compiled cleanly.
package differ

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// Options configures a Differ.
type Options struct {
	// UnitDescriptors are base-name patterns of files defining the identity
	// of a unit, such as a module descriptor. A change to one of them cannot
	// be handled incrementally.
	UnitDescriptors []string

	// MaxAffectedRatio bounds the share of known sources the initial dirty
	// set may affect. Zero disables the bound.
	MaxAffectedRatio float64

	// CheckWorkers limits concurrent library checks. Zero means GOMAXPROCS.
	CheckWorkers int

	Logger *slog.Logger
}

// Differ is the dependency graph differencer of a build worker.
type Differ struct {
	store   *storage.Store
	tracker *fsstate.Tracker
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	staged map[target.BuildTarget]libraryCheck
}

// New creates a differencer over the build store and filesystem tracker.
func New(store *storage.Store, tracker *fsstate.Tracker, opts Options) *Differ {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Differ{
		store:   store,
		tracker: tracker,
		opts:    opts,
		logger:  logger,
		staged:  make(map[target.BuildTarget]libraryCheck),
	}
}

// IsUnitDescriptor reports whether path defines the identity of a unit.
func (d *Differ) IsUnitDescriptor(path string) bool {
	base := filepath.Base(path)

	for _, pattern := range d.opts.UnitDescriptors {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}

	return false
}

// ComputeInitialDirtySet returns every source that must be compiled because
// a dirty or deleted source, or a library, it depends on changed. Library
// checks complete before the graph is consulted. The returned paths are
// absolute and never include deleted sources.
func (d *Differ) ComputeInitialDirtySet(ctx context.Context, desc target.Descriptor, dirty, deleted []string) ([]string, error) {
	libraryIDs, err := d.CheckLibraries(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("check libraries of %s: %w", desc.Target, err)
	}

	for _, path := range slices.Concat(dirty, deleted) {
		if d.IsUnitDescriptor(path) {
			return nil, &RebuildError{Reason: "unit descriptor " + filepath.Base(path) + " changed"}
		}
	}

	gs, err := depgraph.Open(d.store, desc.Target)
	if err != nil {
		return nil, err
	}

	delta := gs.CreateDelta(d.relativize(dirty), d.relativize(deleted), true)
	result := gs.Differentiate(delta, depgraph.DiffParams{
		CalculateAffected: true,
		ChangedIDs:        libraryIDs,
		MaxAffectedRatio:  d.opts.MaxAffectedRatio,
	})

	if !result.IsIncremental {
		return nil, &RebuildError{Reason: result.Reason}
	}

	affected := d.absolute(result.AffectedSources)

	d.logger.DebugContext(ctx, "initial dirty set computed",
		"target", desc.Target.String(),
		"dirty", len(dirty),
		"deleted", len(deleted),
		"libraries_changed", len(libraryIDs),
		"affected", len(affected))

	return affected, nil
}

// RoundDelta describes what one round produced.
type RoundDelta struct {
	Descriptor target.Descriptor

	// Compiled lists the sources compiled in the round.
	Compiled []string

	// Nodes maps a compiled source to the nodes it produced.
	Nodes map[string][]depgraph.Node

	// Deleted lists deleted sources not yet integrated.
	Deleted []string

	// Rebuild is set when every source of the target is being compiled.
	Rebuild bool

	// HasErrors is set when a stage reported a compile error in the round.
	HasErrors bool

	// Failed holds the sources compiled by errored rounds of the build,
	// this one included. They are never marked for another round.
	Failed map[string]struct{}
}

// RoundResult is the outcome of integrating one round.
type RoundResult struct {
	// MoreToCompile is set when affected sources were marked for the next
	// round.
	MoreToCompile bool

	// Integrated is set when the delta was committed to the graph.
	Integrated bool

	// Affected lists the sources affected by the round.
	Affected []string
}

// IntegrateRound differentiates the round's delta, marks every affected
// source that was neither deleted nor already failed for the next round
// and, unless the round reported errors, integrates the delta into the
// graph.
func (d *Differ) IntegrateRound(ctx context.Context, round RoundDelta) (RoundResult, error) {
	t := round.Descriptor.Target

	gs, err := depgraph.Open(d.store, t)
	if err != nil {
		return RoundResult{}, err
	}

	delta := gs.CreateDelta(d.relativize(round.Compiled), d.relativize(round.Deleted), false)
	for _, src := range slices.Sorted(maps.Keys(round.Nodes)) {
		delta.Associate(depgraph.NodeSource(d.store.Relativizer().ToRelative(src)), round.Nodes[src]...)
	}

	result := gs.Differentiate(delta, depgraph.DiffParams{CalculateAffected: !round.Rebuild})
	if !result.IsIncremental {
		return RoundResult{}, &RebuildError{Reason: result.Reason}
	}

	if !round.Rebuild {
		if path := d.changedDescriptor(gs, delta, result); path != "" {
			return RoundResult{}, &RebuildError{Reason: "unit descriptor " + path + " changed"}
		}
	}

	var res RoundResult

	for _, path := range d.absolute(result.AffectedSources) {
		if _, failed := round.Failed[path]; failed {
			continue
		}

		if d.tracker.MarkDirtyIfNotDeleted(t, path) {
			res.MoreToCompile = true
			res.Affected = append(res.Affected, path)
		}
	}

	if round.HasErrors {
		d.logger.InfoContext(ctx, "round had errors, dependency graph left unchanged", "target", t.String())

		return res, nil
	}

	if err := gs.Integrate(result); err != nil {
		return res, fmt.Errorf("integrate round of %s: %w", t, err)
	}

	res.Integrated = true

	return res, nil
}

// changedDescriptor returns a known unit descriptor of the delta whose
// nodes changed, or "".
func (d *Differ) changedDescriptor(gs *depgraph.GraphStorage, delta *depgraph.Delta, result depgraph.DiffResult) string {
	changed := make(map[string]struct{}, len(result.ChangedIDs))
	for _, id := range result.ChangedIDs {
		changed[id] = struct{}{}
	}

	for _, src := range delta.Sources() {
		if !d.IsUnitDescriptor(string(src)) || !gs.Contains(src) {
			continue
		}

		for _, n := range gs.Nodes(src) {
			if _, ok := changed[n.ID]; ok {
				return string(src)
			}
		}
	}

	return ""
}

func (d *Differ) relativize(paths []string) []depgraph.NodeSource {
	rel := d.store.Relativizer()
	result := make([]depgraph.NodeSource, 0, len(paths))

	for _, path := range paths {
		result = append(result, depgraph.NodeSource(rel.ToRelative(path)))
	}

	return result
}

func (d *Differ) absolute(sources []depgraph.NodeSource) []string {
	rel := d.store.Relativizer()
	result := make([]string, 0, len(sources))

	for _, src := range sources {
		result = append(result, rel.ToAbsolute(string(src)))
	}

	return result
}
