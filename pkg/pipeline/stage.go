package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// Stage is one step of a round. Stages run in declared order and all share
// the round's dirty set through the RoundContext.
type Stage interface {
	Name() string
	Build(ctx context.Context, rc *RoundContext) (ExitSignal, error)
}

// StageFunc adapts a function to a Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, rc *RoundContext) (ExitSignal, error)
}

// Name implements Stage.
func (s StageFunc) Name() string { return s.StageName }

// Build implements Stage.
func (s StageFunc) Build(ctx context.Context, rc *RoundContext) (ExitSignal, error) {
	return s.Fn(ctx, rc)
}

// RoundContext is what a stage sees of the build during one round.
type RoundContext struct {
	desc    target.Descriptor
	round   int
	rebuild bool
	tracker *fsstate.Tracker
	sink    OutputSink
	logger  *slog.Logger

	mu          sync.Mutex
	stage       string
	nodes       map[string][]depgraph.Node
	diagnostics []Diagnostic
	stopMessage string
}

func newRoundContext(desc target.Descriptor, round int, rebuild bool, tracker *fsstate.Tracker, sink OutputSink, logger *slog.Logger) *RoundContext {
	return &RoundContext{
		desc:    desc,
		round:   round,
		rebuild: rebuild,
		tracker: tracker,
		sink:    sink,
		logger:  logger,
		nodes:   make(map[string][]depgraph.Node),
	}
}

// Target returns the target being built.
func (rc *RoundContext) Target() target.BuildTarget { return rc.desc.Target }

// Descriptor returns the layout of the target being built.
func (rc *RoundContext) Descriptor() target.Descriptor { return rc.desc }

// Round returns the round number, starting at 1.
func (rc *RoundContext) Round() int { return rc.round }

// IsRebuild reports whether every source of the target is being compiled.
func (rc *RoundContext) IsRebuild() bool { return rc.rebuild }

// Logger returns the build logger.
func (rc *RoundContext) Logger() *slog.Logger { return rc.logger }

// DirtyFiles lists the files to compile in this round, including those an
// earlier stage of the round marked.
func (rc *RoundContext) DirtyFiles() []string {
	return rc.tracker.DirtyFiles(rc.desc.Target)
}

// MarkDirty adds path to this round so that later stages compile it.
func (rc *RoundContext) MarkDirty(path string) bool {
	return rc.tracker.MarkDirty(rc.desc.Target, path)
}

// MarkDirtyNextRound schedules path for the next round.
func (rc *RoundContext) MarkDirtyNextRound(path string) bool {
	return rc.tracker.MarkDirtyIfNotDeleted(rc.desc.Target, path)
}

// IsDeleted reports whether path was deleted during this build.
func (rc *RoundContext) IsDeleted(path string) bool {
	return rc.tracker.IsDeleted(rc.desc.Target, path)
}

// RegisterOutputs records the files source produced.
func (rc *RoundContext) RegisterOutputs(source string, outputs ...string) error {
	return rc.sink.Record(source, outputs)
}

// RegisterNodes records the dependency nodes source produced in this round.
// Calling it again for the same source adds to its nodes.
func (rc *RoundContext) RegisterNodes(source string, nodes ...depgraph.Node) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.nodes[source] = append(rc.nodes[source], nodes...)
}

// ReportError records a compile error. A round with errors is not
// integrated into the dependency graph and its files stay unstamped.
func (rc *RoundContext) ReportError(source, message string) {
	rc.report(source, message, SeverityError)
}

// ReportWarning records a warning.
func (rc *RoundContext) ReportWarning(source, message string) {
	rc.report(source, message, SeverityWarning)
}

// Stop attaches a message to an Abort signal returned by the stage.
func (rc *RoundContext) Stop(message string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stopMessage = message
}

func (rc *RoundContext) report(source, message string, severity Severity) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.diagnostics = append(rc.diagnostics, Diagnostic{
		Stage:    rc.stage,
		Source:   source,
		Message:  message,
		Severity: severity,
		Round:    rc.round,
	})
}

func (rc *RoundContext) enter(stage string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.stage = stage
}

func (rc *RoundContext) hasErrors() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, d := range rc.diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}

	return false
}

// producers lists the sources that registered nodes.
func (rc *RoundContext) producers() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return slices.Sorted(maps.Keys(rc.nodes))
}

func (rc *RoundContext) takeNodes() map[string][]depgraph.Node {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	nodes := rc.nodes
	rc.nodes = make(map[string][]depgraph.Node)

	return nodes
}

func (rc *RoundContext) takeDiagnostics() []Diagnostic {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	diags := rc.diagnostics
	rc.diagnostics = nil

	return diags
}

func (rc *RoundContext) message() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.stopMessage
}
