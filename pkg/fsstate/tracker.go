// Package fsstate tracks which source files of a target must be compiled.
//
// Each target has three sets: the files dirty in the current round, the
// files marked for the next round and the files deleted during this build.
// A file in the deleted set is never marked for a later round.
package fsstate

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// ErrUnknownTarget is returned for a target that was never initialized.
var ErrUnknownTarget = errors.New("target not initialized")

type targetState struct {
	descriptor target.Descriptor
	current    map[string]struct{}
	next       map[string]struct{}
	deleted    map[string]struct{}
	rounds     int
}

func newTargetState(desc target.Descriptor) *targetState {
	return &targetState{
		descriptor: desc,
		current:    make(map[string]struct{}),
		next:       make(map[string]struct{}),
		deleted:    make(map[string]struct{}),
	}
}

// Tracker holds the filesystem state of every target in a build. It is safe
// for concurrent use across targets.
type Tracker struct {
	mu      sync.Mutex
	targets map[target.BuildTarget]*targetState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{targets: make(map[target.BuildTarget]*targetState)}
}

// InitRecompile starts an incremental build of the target. The given files
// are dirty for the first round. Any state left from an earlier build of the
// target is dropped, so an empty set still resets the round bookkeeping.
func (tr *Tracker) InitRecompile(desc target.Descriptor, changed map[string]struct{}) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state := newTargetState(desc)
	for path := range changed {
		state.next[path] = struct{}{}
	}

	tr.targets[desc.Target] = state
}

// FullScan starts a full build of the target: every source file under its
// roots is dirty for the first round.
func (tr *Tracker) FullScan(desc target.Descriptor) error {
	files, err := ScanSources(desc)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	state := newTargetState(desc)
	for _, path := range files {
		state.next[path] = struct{}{}
	}

	tr.targets[desc.Target] = state

	return nil
}

// MarkAllDirty marks every existing source file of the target for the next
// round.
func (tr *Tracker) MarkAllDirty(t target.BuildTarget) error {
	state, err := tr.state(t)
	if err != nil {
		return err
	}

	files, err := ScanSources(state.descriptor)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, path := range files {
		if _, gone := state.deleted[path]; !gone {
			state.next[path] = struct{}{}
		}
	}

	return nil
}

// RegisterDeleted records files deleted since the previous build.
func (tr *Tracker) RegisterDeleted(t target.BuildTarget, paths ...string) error {
	state, err := tr.state(t)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, path := range paths {
		state.deleted[path] = struct{}{}
		delete(state.next, path)
		delete(state.current, path)
	}

	return nil
}

// BeforeRound promotes the files marked for the next round to the current
// round and returns the round number, starting at 1.
func (tr *Tracker) BeforeRound(t target.BuildTarget) (int, error) {
	state, err := tr.state(t)
	if err != nil {
		return 0, err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	for path := range state.next {
		state.current[path] = struct{}{}
	}

	clear(state.next)
	state.rounds++

	return state.rounds, nil
}

// DirtyFiles lists the files dirty in the current round.
func (tr *Tracker) DirtyFiles(t target.BuildTarget) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(state.current))
}

// MarkDirty adds a file to the current round so that later stages of the
// round see it. Deleted files are ignored.
func (tr *Tracker) MarkDirty(t target.BuildTarget, path string) bool {
	return tr.mark(t, path, false)
}

// MarkDirtyIfNotDeleted marks a file for the next round unless it was
// deleted during this build. It reports whether the file was marked.
func (tr *Tracker) MarkDirtyIfNotDeleted(t target.BuildTarget, path string) bool {
	return tr.mark(t, path, true)
}

func (tr *Tracker) mark(t target.BuildTarget, path string, nextRound bool) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return false
	}

	if _, gone := state.deleted[path]; gone {
		return false
	}

	if nextRound {
		state.next[path] = struct{}{}
	} else {
		state.current[path] = struct{}{}
	}

	return true
}

// IsDeleted reports whether path was deleted during this build.
func (tr *Tracker) IsDeleted(t target.BuildTarget, path string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return false
	}

	_, gone := state.deleted[path]

	return gone
}

// Deleted lists the files deleted during this build.
func (tr *Tracker) Deleted(t target.BuildTarget) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(state.deleted))
}

// NextRound lists the files marked for the next round.
func (tr *Tracker) NextRound(t target.BuildTarget) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(state.next))
}

// HasNextRound reports whether any file is marked for the next round.
func (tr *Tracker) HasNextRound(t target.BuildTarget) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]

	return ok && len(state.next) > 0
}

// ClearRoundData drops the current round's dirty set. Files marked for the
// next round are kept.
func (tr *Tracker) ClearRoundData(t target.BuildTarget) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if state, ok := tr.targets[t]; ok {
		clear(state.current)
	}
}

// Forget drops every piece of state about the target.
func (tr *Tracker) Forget(t target.BuildTarget) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	delete(tr.targets, t)
}

func (tr *Tracker) state(t target.BuildTarget) (*targetState, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	state, ok := tr.targets[t]
	if !ok {
		return nil, ErrUnknownTarget
	}

	return state, nil
}
