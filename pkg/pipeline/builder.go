// Package pipeline runs the round-based build of one target.
//
// A build computes its initial dirty set, then runs rounds until a fixed
// point is reached. Each round passes the dirty files through the stages in
// order, integrates the nodes they produced into the dependency graph and
// marks the sources affected by that change for the next round.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/differ"
	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// tracerName is the default OTel tracer name for the pipeline package.
const tracerName = "incbuild"

// Options configures a Builder.
type Options struct {
	// Store is the persistent build store. Required.
	Store *storage.Store

	// Tracker holds the per-target dirty sets. Defaults to a new tracker.
	Tracker *fsstate.Tracker

	// Differ defaults to a differencer over Store and Tracker.
	Differ *differ.Differ

	// Tracer is the OTel tracer for build spans.
	// When nil, falls back to otel.Tracer("incbuild").
	Tracer trace.Tracer

	// Metrics may be nil.
	Metrics *observability.BuildMetrics

	Logger *slog.Logger
}

// Builder drives builds of targets. Builds of distinct targets may run
// concurrently; one target must not be built twice at the same time.
type Builder struct {
	store   *storage.Store
	tracker *fsstate.Tracker
	differ  *differ.Differ
	tracer  trace.Tracer
	metrics *observability.BuildMetrics
	logger  *slog.Logger
}

// New creates a Builder.
func New(opts Options) *Builder {
	b := &Builder{
		store:   opts.Store,
		tracker: opts.Tracker,
		differ:  opts.Differ,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}

	if b.tracker == nil {
		b.tracker = fsstate.NewTracker()
	}

	if b.logger == nil {
		b.logger = slog.Default()
	}

	if b.differ == nil {
		b.differ = differ.New(b.store, b.tracker, differ.Options{Logger: b.logger})
	}

	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}

	return b
}

// Tracker returns the filesystem state tracker of the builder.
func (b *Builder) Tracker() *fsstate.Tracker {
	return b.tracker
}

// Request describes one build of a target.
type Request struct {
	Descriptor target.Descriptor
	Stages     []Stage

	// Changes is the change set computed since the previous build. It is
	// ignored by a rebuild, which compiles every source.
	Changes target.SourceFileStateResult

	Rebuild bool

	// Sink receives stage outputs. Defaults to a StoreSink over the
	// target's source→outputs map.
	Sink OutputSink
}

// Build runs req to a terminal state. Stage failures are returned as a
// *StageError and cancellation as the context error. Inconsistent
// persistent state is never an error: it yields OutcomeRebuildRequested.
func (b *Builder) Build(ctx context.Context, req Request) (outcome Outcome, err error) {
	t := req.Descriptor.Target

	ctx = observability.ContextWithTarget(ctx, t.String())
	ctx, span := b.tracer.Start(ctx, "incbuild.build",
		trace.WithAttributes(
			attribute.String("incbuild.target", t.String()),
			attribute.Bool("incbuild.rebuild", req.Rebuild),
			attribute.Int("incbuild.stages", len(req.Stages)),
		))
	done := b.metrics.TrackBuild(ctx, t.String())

	defer func() {
		outcome, err = b.settle(ctx, span, outcome, err)

		label := outcome.Kind.String()
		if err != nil {
			label = "error"
		}

		done(label)
		span.End()
	}()

	run, err := b.newRun(req)
	if err != nil && req.Rebuild && errors.Is(err, kvstore.ErrCorrupted) {
		b.logger.WarnContext(ctx, "stored state does not decode, purging", "error", err.Error())

		if purgeErr := b.store.Purge(t, targetKinds...); purgeErr != nil {
			return Outcome{}, errors.Join(err, purgeErr)
		}

		run, err = b.newRun(req)
	}

	if err != nil {
		return Outcome{}, err
	}

	defer b.tracker.Forget(t)

	return run.execute(ctx)
}

// settle turns corruption and rebuild requests into an outcome and records
// the result on the build span.
func (b *Builder) settle(ctx context.Context, span trace.Span, outcome Outcome, err error) (Outcome, error) {
	if err != nil && (errors.Is(err, kvstore.ErrCorrupted) || errors.Is(err, differ.ErrRebuildRequested)) {
		b.logger.WarnContext(ctx, "incremental state unusable, rebuild required", "reason", err.Error())
		observability.RecordSpanError(span, err, observability.ErrTypeRebuildRequested, observability.ErrSourceGraph)

		outcome = Outcome{Kind: OutcomeRebuildRequested, Cause: err, Rounds: outcome.Rounds, Statistics: outcome.Statistics}

		return outcome, nil
	}

	if err != nil {
		errType := observability.ErrTypeStorage
		source := observability.ErrSourceStore

		var stageErr *StageError

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			errType, source = observability.ErrTypeCanceled, ""
		case errors.As(err, &stageErr):
			errType, source = observability.ErrTypeStageFailure, observability.ErrSourceStage
		}

		observability.RecordSpanError(span, err, errType, source)

		return outcome, err
	}

	span.SetAttributes(
		attribute.String("incbuild.outcome", outcome.Kind.String()),
		attribute.Int("incbuild.rounds", outcome.Rounds),
		attribute.Bool("incbuild.did_work", outcome.DidWork),
	)

	if outcome.BuildID != "" {
		span.SetAttributes(attribute.String("incbuild.build_id", outcome.BuildID))
	}

	return outcome, nil
}

// run is the state of one build.
type run struct {
	b    *Builder
	req  Request
	t    target.BuildTarget
	sink OutputSink

	outputs *storage.SourceToOutputMap
	stamps  *storage.FileStampStorage
	pending *storage.PendingDeletions
	state   *storage.TargetStateStorage
	graph   *depgraph.GraphStorage

	deleted             []target.RemovedFileInfo
	failed              map[string]struct{}
	deletionsIntegrated bool
	chunkRebuilt        bool
	didWork             bool
	rounds              int
	diagnostics         []Diagnostic
	stats               *statistics
}

// targetKinds lists every storage kind a build keeps for its target.
var targetKinds = []string{
	storage.KindSourceToOutput,
	storage.KindFileStamps,
	storage.KindPendingDeletions,
	storage.KindTargetState,
	depgraph.Kind,
	storage.KindLibraryStamps,
}

func (b *Builder) newRun(req Request) (*run, error) {
	t := req.Descriptor.Target
	r := &run{b: b, req: req, t: t, stats: newStatistics(), failed: make(map[string]struct{})}

	var err error

	if r.outputs, err = b.store.SourceToOutputMap(t); err != nil {
		return nil, err
	}

	if r.stamps, err = b.store.FileStamps(t); err != nil {
		return nil, err
	}

	if r.pending, err = b.store.PendingDeletions(t); err != nil {
		return nil, err
	}

	if r.state, err = b.store.TargetState(t); err != nil {
		return nil, err
	}

	if r.graph, err = depgraph.Open(b.store, t); err != nil {
		return nil, err
	}

	// Opened so that CleanTarget also drops library stamps.
	if _, err = storage.GetStorage(b.store, t, storage.LibraryStampProvider); err != nil {
		return nil, err
	}

	r.sink = req.Sink
	if r.sink == nil {
		r.sink = NewStoreSink(r.outputs)
	}

	return r, nil
}

func (r *run) execute(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if unwindErr := r.unwind(); unwindErr != nil && err == nil {
			err = unwindErr
		}

		outcome.Rounds = r.rounds
		outcome.Diagnostics = r.diagnostics
		outcome.Statistics = r.stats.snapshot()
	}()

	if err := r.prepare(ctx); err != nil {
		return Outcome{}, err
	}

	for next := true; next; {
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("build %s: %w", r.t, err)
		}

		res, err := r.runRound(ctx)
		if err != nil {
			return Outcome{}, err
		}

		if res.stopped {
			r.b.logger.InfoContext(ctx, "build stopped by stage", "stage", res.stage, "message", res.message)

			return Outcome{Kind: OutcomeStopRequested, Message: res.message, DidWork: r.didWork}, nil
		}

		next = res.next
	}

	outcome = Outcome{Kind: OutcomeSuccess, DidWork: r.didWork}

	if r.didWork {
		if outcome.BuildID, err = r.b.store.MarkUpToDate(r.t); err != nil {
			return Outcome{}, err
		}
	}

	if err := r.b.differ.CommitLibraries(r.t); err != nil {
		return Outcome{}, err
	}

	return outcome, nil
}

// prepare seeds the tracker with the first round's dirty set.
func (r *run) prepare(ctx context.Context) error {
	desc := r.req.Descriptor

	changes := r.req.Changes

	pending, err := r.pending.Load()
	if err != nil {
		return err
	}

	changes.MergeDeleted(pending)
	r.deleted = changes.DeletedFiles

	for _, info := range pending {
		r.pending.Remove(info.SourceFile)
	}

	if r.req.Rebuild {
		return r.prepareRebuild(ctx)
	}

	r.b.tracker.InitRecompile(desc, changes.ChangedOrAddedFiles)

	deleted := changes.DeletedSources()
	if err := r.b.tracker.RegisterDeleted(r.t, deleted...); err != nil {
		return err
	}

	for _, info := range r.deleted {
		if err := r.sink.RemoveAll(info.Outputs); err != nil {
			return err
		}

		r.outputs.Remove(info.SourceFile)
		r.stamps.Remove(info.SourceFile)
	}

	r.deletionsIntegrated = len(r.deleted) == 0

	if !changes.IsEmpty() {
		if err := r.state.MarkDirty(); err != nil {
			return err
		}
	}

	if r.graph.Len() == 0 {
		// Nothing to expand against; only stage the library stamps.
		_, err = r.b.differ.CheckLibraries(ctx, desc)

		return err
	}

	affected, err := r.b.differ.ComputeInitialDirtySet(ctx, desc, changes.Changed(), deleted)
	if err != nil {
		return err
	}

	for _, path := range affected {
		r.b.tracker.MarkDirtyIfNotDeleted(r.t, path)
	}

	r.b.metrics.RecordAffected(ctx, r.t.String(), len(affected))
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("incbuild.initial.affected", len(affected)))

	return nil
}

func (r *run) prepareRebuild(ctx context.Context) error {
	desc := r.req.Descriptor

	if err := removeRecordedOutputs(r.outputs, r.sink); err != nil {
		return err
	}

	for _, info := range r.deleted {
		if err := r.sink.RemoveAll(info.Outputs); err != nil {
			return err
		}
	}

	if err := r.b.store.CleanTarget(r.t); err != nil {
		return err
	}

	r.deletionsIntegrated = true

	if err := r.b.tracker.FullScan(desc); err != nil {
		return err
	}

	if err := r.state.MarkDirty(); err != nil {
		return err
	}

	_, err := r.b.differ.CheckLibraries(ctx, desc)

	return err
}

// Clean removes every output recorded for the target and wipes its
// persistent state, so that its next build starts from scratch.
func (b *Builder) Clean(ctx context.Context, t target.BuildTarget) error {
	r, err := b.newRun(Request{Descriptor: target.Descriptor{Target: t}})
	if errors.Is(err, kvstore.ErrCorrupted) {
		// Recorded outputs are unreadable too; they are overwritten by the next build.
		b.logger.WarnContext(ctx, "stored state does not decode, purging", "target", t.String(), "error", err.Error())

		if err := b.store.Purge(t, targetKinds...); err != nil {
			return err
		}

		return b.store.Flush(true)
	}

	if err != nil {
		return err
	}

	if err := removeRecordedOutputs(r.outputs, r.sink); err != nil {
		return err
	}

	if err := b.store.CleanTarget(t); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "target cleaned", "target", t.String())

	return b.store.Flush(true)
}

func removeRecordedOutputs(outputs *storage.SourceToOutputMap, sink OutputSink) error {
	sources, err := outputs.Sources()
	if err != nil {
		return err
	}

	for _, src := range sources {
		outs, err := outputs.Outputs(src)
		if err != nil {
			return err
		}

		if err := sink.RemoveAll(outs); err != nil {
			return err
		}
	}

	return nil
}

// unwind keeps deletions the graph has not seen for the next build and
// pushes buffered writes to the store.
func (r *run) unwind() error {
	if !r.deletionsIntegrated {
		r.pending.Add(r.deleted...)
	}

	return r.b.store.Flush(true)
}

type roundResult struct {
	next    bool
	stopped bool
	stage   string
	message string
}

func (r *run) runRound(ctx context.Context) (res roundResult, err error) {
	round, err := r.b.tracker.BeforeRound(r.t)
	if err != nil {
		return res, err
	}

	defer r.b.tracker.ClearRoundData(r.t)

	r.rounds = round

	ctx, span := r.b.tracer.Start(ctx, "incbuild.round",
		trace.WithAttributes(attribute.Int("incbuild.round", round)))
	defer span.End()

	r.b.metrics.RecordRound(ctx, r.t.String())

	dirty := r.b.tracker.DirtyFiles(r.t)
	span.SetAttributes(attribute.Int("incbuild.dirty", len(dirty)))

	if err := r.removeStaleOutputs(dirty); err != nil {
		return res, err
	}

	rc := newRoundContext(r.req.Descriptor, round, r.req.Rebuild, r.b.tracker, r.sink, r.b.logger)

	defer func() {
		r.diagnostics = append(r.diagnostics, rc.takeDiagnostics()...)
	}()

	for _, stage := range r.req.Stages {
		if err := ctx.Err(); err != nil {
			r.sink.Clear()

			return res, fmt.Errorf("build %s: %w", r.t, err)
		}

		signal, err := r.runStage(ctx, stage, rc)
		if err != nil {
			r.sink.Clear()

			return res, &StageError{Stage: stage.Name(), Round: round, Err: err}
		}

		switch signal {
		case Abort:
			if err := r.sink.Commit(); err != nil {
				return res, err
			}

			return roundResult{stopped: true, stage: stage.Name(), message: rc.message()}, nil

		case ChunkRebuildRequired:
			if r.chunkRebuilt || r.req.Rebuild {
				r.b.logger.InfoContext(ctx, "chunk rebuild already performed, request ignored",
					"stage", stage.Name(), "round", round)

				continue
			}

			return r.restartChunk(ctx, span, stage, rc)

		case AdditionalPassRequired:
			res.next = true
			r.didWork = true

		case DidWork:
			r.didWork = true

		case NothingDone:
		}
	}

	if err := r.sink.Commit(); err != nil {
		return res, err
	}

	more, err := r.integrate(ctx, dirty, rc)
	if err != nil {
		return res, err
	}

	res.next = res.next || more || r.b.tracker.HasNextRound(r.t)

	r.b.logger.DebugContext(ctx, "round finished",
		"round", round, "dirty", len(dirty), "next", res.next)

	return res, nil
}

// restartChunk drops the round and schedules every source of the target
// for the next one.
func (r *run) restartChunk(ctx context.Context, span trace.Span, stage Stage, rc *RoundContext) (roundResult, error) {
	r.chunkRebuilt = true

	r.b.logger.WarnContext(ctx, "stage requested a rebuild of all sources",
		"stage", stage.Name(), "round", rc.Round())
	r.b.metrics.RecordChunkRebuild(ctx, r.t.String())
	span.AddEvent("incbuild.chunk_rebuild", trace.WithAttributes(attribute.String("incbuild.stage", stage.Name())))

	r.sink.Clear()
	rc.takeNodes()
	rc.takeDiagnostics()

	if err := r.b.tracker.MarkAllDirty(r.t); err != nil {
		return roundResult{}, err
	}

	return roundResult{next: true}, nil
}

func (r *run) runStage(ctx context.Context, stage Stage, rc *RoundContext) (ExitSignal, error) {
	files := len(rc.DirtyFiles())

	ctx, span := r.b.tracer.Start(ctx, "incbuild.stage",
		trace.WithAttributes(
			attribute.String("incbuild.stage", stage.Name()),
			attribute.Int("incbuild.files", files),
		))
	defer span.End()

	rc.enter(stage.Name())

	start := time.Now()
	signal, err := stage.Build(ctx, rc)
	elapsed := time.Since(start)

	r.stats.add(stage.Name(), elapsed, files)
	r.b.metrics.RecordStage(ctx, r.t.String(), stage.Name(), elapsed, files)

	span.SetAttributes(attribute.String("incbuild.signal", signal.String()))

	if err != nil {
		observability.RecordSpanError(span, err, observability.ErrTypeStageFailure, observability.ErrSourceStage)
	}

	return signal, err
}

// integrate commits the round to the graph and stamps what it compiled.
func (r *run) integrate(ctx context.Context, dirty []string, rc *RoundContext) (bool, error) {
	compiled := slices.Concat(dirty, r.b.tracker.DirtyFiles(r.t), rc.producers())
	slices.Sort(compiled)
	compiled = slices.Compact(compiled)
	compiled = slices.DeleteFunc(compiled, func(path string) bool {
		return r.b.tracker.IsDeleted(r.t, path)
	})

	delta := differ.RoundDelta{
		Descriptor: r.req.Descriptor,
		Compiled:   compiled,
		Nodes:      rc.takeNodes(),
		Rebuild:    r.req.Rebuild,
		HasErrors:  rc.hasErrors(),
	}

	// The graph keeps its last good state across errored rounds, so their
	// sources would be found affected again on every later round.
	if delta.HasErrors {
		for _, path := range compiled {
			r.failed[path] = struct{}{}
		}
	}

	delta.Failed = r.failed

	if !r.deletionsIntegrated {
		for _, info := range r.deleted {
			delta.Deleted = append(delta.Deleted, info.SourceFile)
		}
	}

	result, err := r.b.differ.IntegrateRound(ctx, delta)
	if err != nil {
		return false, err
	}

	if result.Integrated {
		r.deletionsIntegrated = true
	}

	r.b.metrics.RecordAffected(ctx, r.t.String(), len(result.Affected))

	for _, path := range compiled {
		if delta.HasErrors {
			r.stamps.Remove(path)

			continue
		}

		err := r.stamps.Update(path)
		if errors.Is(err, fs.ErrNotExist) {
			r.stamps.Remove(path)

			continue
		}

		if err != nil {
			return false, err
		}
	}

	return result.MoreToCompile, nil
}

// removeStaleOutputs deletes what the dirty files produced in earlier builds.
func (r *run) removeStaleOutputs(dirty []string) error {
	for _, path := range dirty {
		outs, err := r.outputs.Outputs(path)
		if err != nil {
			return err
		}

		if len(outs) == 0 {
			continue
		}

		if err := r.sink.RemoveAll(outs); err != nil {
			return err
		}

		r.outputs.Remove(path)
	}

	return nil
}
