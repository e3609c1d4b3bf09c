package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/differ"
	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
	"github.com/Sumatoshi-tech/incbuild/pkg/pipeline"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

var app = target.New("app", target.TypeProduction)

type fixture struct {
	root     string
	desc     target.Descriptor
	store    *storage.Store
	builder  *pipeline.Builder
	exporter *tracetest.InMemoryExporter
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	store := storage.New(kvstore.NewMemory(), storage.Options{DataRoot: root, Relativizer: target.NewRootRelativizer(root)})

	t.Cleanup(func() { store.Close() })

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := observability.NewBuildMetrics(mp.Meter("test"))
	require.NoError(t, err)

	tracker := fsstate.NewTracker()

	return &fixture{
		root: root,
		desc: target.Descriptor{
			Target:      app,
			SourceRoots: []string{filepath.Join(root, "src")},
			OutputDir:   filepath.Join(root, "out"),
		},
		store: store,
		builder: pipeline.New(pipeline.Options{
			Store:   store,
			Tracker: tracker,
			Differ:  differ.New(store, tracker, differ.Options{UnitDescriptors: []string{"module.yaml"}}),
			Tracer:  tp.Tracer("test"),
			Metrics: metrics,
		}),
		exporter: exporter,
		reader:   reader,
	}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.root, "src", name)
}

func (f *fixture) write(t *testing.T, names ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "src"), 0o750))

	for _, name := range names {
		require.NoError(t, os.WriteFile(f.path(name), []byte(name), 0o600))
	}
}

func (f *fixture) build(t *testing.T, req pipeline.Request) pipeline.Outcome {
	t.Helper()

	req.Descriptor = f.desc

	outcome, err := f.builder.Build(context.Background(), req)
	require.NoError(t, err)

	return outcome
}

func (f *fixture) changed(names ...string) target.SourceFileStateResult {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, f.path(name))
	}

	return target.NewSourceFileStateResult(paths)
}

// graphStage registers one node per dirty file from a table keyed by base
// name and remembers what each round compiled.
type graphStage struct {
	mu      sync.Mutex
	nodes   map[string]depgraph.Node
	failing map[string]bool
	rounds  [][]string
}

func newGraphStage(nodes map[string]depgraph.Node) *graphStage {
	return &graphStage{nodes: nodes, failing: make(map[string]bool)}
}

func (s *graphStage) Name() string { return "graph" }

func (s *graphStage) Build(_ context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := rc.DirtyFiles()

	var names []string

	for _, path := range dirty {
		name := filepath.Base(path)
		names = append(names, name)

		if s.failing[name] {
			rc.ReportError(path, "cannot compile "+name)

			continue
		}

		if n, ok := s.nodes[name]; ok {
			rc.RegisterNodes(path, n)
		}
	}

	s.rounds = append(s.rounds, names)

	if len(dirty) == 0 {
		return pipeline.NothingDone, nil
	}

	return pipeline.DidWork, nil
}

func (s *graphStage) set(name string, n depgraph.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[name] = n
}

func (s *graphStage) fail(name string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failing[name] = failing
}

func (s *graphStage) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rounds = nil
}

func (s *graphStage) compiled() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.rounds)
}

func abcNodes() map[string]depgraph.Node {
	return map[string]depgraph.Node{
		"A": {ID: "a", Fingerprint: "1"},
		"B": {ID: "b", Fingerprint: "1", Usages: []string{"a"}},
		"C": {ID: "c", Fingerprint: "1"},
	}
}

func signalStage(name string, signals ...pipeline.ExitSignal) (pipeline.Stage, *[]int) {
	var (
		mu    sync.Mutex
		calls []int
	)

	return pipeline.StageFunc{
		StageName: name,
		Fn: func(_ context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
			mu.Lock()
			defer mu.Unlock()

			calls = append(calls, rc.Round())

			if rc.Round() <= len(signals) {
				return signals[rc.Round()-1], nil
			}

			return pipeline.NothingDone, nil
		},
	}, &calls
}

func TestBuilder_EmptyChangesRunOneRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stage := newGraphStage(abcNodes())

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}})

	assert.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
	assert.False(t, outcome.DidWork)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Empty(t, outcome.BuildID)
	assert.Equal(t, [][]string{nil}, stage.compiled())
}

func TestBuilder_FixedPointAfterAdditionalPasses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stage, calls := signalStage("passes",
		pipeline.AdditionalPassRequired,
		pipeline.AdditionalPassRequired,
		pipeline.AdditionalPassRequired,
	)

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}})

	assert.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
	assert.True(t, outcome.DidWork)
	assert.Equal(t, 4, outcome.Rounds)
	assert.Equal(t, []int{1, 2, 3, 4}, *calls)
	assert.NotEmpty(t, outcome.BuildID)

	state, err := f.store.TargetState(app)
	require.NoError(t, err)

	got, err := state.Get()
	require.NoError(t, err)
	assert.True(t, got.UpToDate)
	assert.Equal(t, outcome.BuildID, got.BuildID)
}

func TestBuilder_ChangedSourceRecompilesDependents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B", "C")

	stage := newGraphStage(abcNodes())

	first := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})
	require.Equal(t, pipeline.OutcomeSuccess, first.Kind)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, stage.compiled())

	stage.reset()
	stage.set("A", depgraph.Node{ID: "a", Fingerprint: "2"})

	second := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Changes: f.changed("A")})

	assert.Equal(t, pipeline.OutcomeSuccess, second.Kind)
	assert.Equal(t, 1, second.Rounds)
	assert.Equal(t, [][]string{{"A", "B"}}, stage.compiled())
}

func TestBuilder_AddedDefinitionAffectsNextRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "B", "C")

	stage := newGraphStage(map[string]depgraph.Node{
		"B": {ID: "b", Fingerprint: "1"},
		"C": {ID: "c", Fingerprint: "1", Usages: []string{"d"}},
		"D": {ID: "d", Fingerprint: "1"},
	})

	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})
	stage.reset()

	f.write(t, "D")

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Changes: f.changed("D")})

	assert.Equal(t, 2, outcome.Rounds)
	assert.Equal(t, [][]string{{"D"}, {"C"}}, stage.compiled())
}

func TestBuilder_ChunkRebuildHonoredOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "a", "b", "c")

	first, firstCalls := signalStage("first", pipeline.ChunkRebuildRequired, pipeline.DidWork)
	second, secondCalls := signalStage("second", pipeline.DidWork, pipeline.ChunkRebuildRequired)
	stage := newGraphStage(map[string]depgraph.Node{})

	sink := &countingSink{}

	outcome := f.build(t, pipeline.Request{
		Stages:  []pipeline.Stage{stage, first, second},
		Changes: f.changed("a"),
		Sink:    sink,
	})

	assert.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.Rounds)
	assert.Equal(t, [][]string{{"a"}, {"a", "b", "c"}}, stage.compiled())
	assert.Equal(t, []int{1, 2}, *firstCalls)
	assert.Equal(t, []int{2}, *secondCalls)
	assert.Equal(t, 1, sink.clears)

	rm := collect(t, f.reader)
	assert.Equal(t, int64(1), counterTotal(t, rm, "incbuild.chunk_rebuilds.total"))
}

func TestBuilder_ChunkRebuildIgnoredDuringRebuild(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "a")

	stage, calls := signalStage("rebuild", pipeline.ChunkRebuildRequired)

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})

	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, []int{1}, *calls)
}

func TestBuilder_AbortStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	abort := pipeline.StageFunc{
		StageName: "abort",
		Fn: func(_ context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
			rc.Stop("license expired")

			return pipeline.Abort, nil
		},
	}
	after, calls := signalStage("after", pipeline.DidWork)

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{abort, after}})

	assert.Equal(t, pipeline.OutcomeStopRequested, outcome.Kind)
	assert.Equal(t, "license expired", outcome.Message)
	assert.Empty(t, *calls)
}

func TestBuilder_StageErrorPropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	boom := errors.New("boom")

	failing := pipeline.StageFunc{
		StageName: "failing",
		Fn: func(context.Context, *pipeline.RoundContext) (pipeline.ExitSignal, error) {
			return pipeline.NothingDone, boom
		},
	}

	_, err := f.builder.Build(context.Background(), pipeline.Request{
		Descriptor: f.desc,
		Stages:     []pipeline.Stage{failing},
	})

	var stageErr *pipeline.StageError

	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "failing", stageErr.Stage)
	assert.Equal(t, 1, stageErr.Round)
	require.ErrorIs(t, err, boom)
}

func TestBuilder_CorruptionRequestsRebuild(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	corrupt := pipeline.StageFunc{
		StageName: "reader",
		Fn: func(context.Context, *pipeline.RoundContext) (pipeline.ExitSignal, error) {
			return pipeline.NothingDone, fmt.Errorf("read cache: %w", kvstore.ErrCorrupted)
		},
	}

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{corrupt}})

	assert.Equal(t, pipeline.OutcomeRebuildRequested, outcome.Kind)
	require.ErrorIs(t, outcome.Cause, kvstore.ErrCorrupted)
}

func TestBuilder_UnitDescriptorRequestsRebuild(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "module.yaml")

	stage := newGraphStage(abcNodes())
	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Changes: f.changed("module.yaml")})

	assert.Equal(t, pipeline.OutcomeRebuildRequested, outcome.Kind)
	require.ErrorIs(t, outcome.Cause, differ.ErrRebuildRequested)
}

func TestBuilder_CanceledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stage, calls := signalStage("never", pipeline.DidWork)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.builder.Build(ctx, pipeline.Request{Descriptor: f.desc, Stages: []pipeline.Stage{stage}})

	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *calls)
}

func TestBuilder_DeletionsPendingUntilIntegrated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B")

	stage := newGraphStage(abcNodes())
	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})

	require.NoError(t, os.Remove(f.path("A")))
	stage.fail("B", true)
	stage.reset()

	failed := f.build(t, pipeline.Request{
		Stages:  []pipeline.Stage{stage},
		Changes: target.NewSourceFileStateResult(nil, target.RemovedFileInfo{SourceFile: f.path("A")}),
	})

	assert.True(t, failed.HasErrors())
	assert.Equal(t, [][]string{{"B"}}, stage.compiled())

	pending, err := f.store.PendingDeletions(app)
	require.NoError(t, err)

	infos, err := pending.Load()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, f.path("A"), infos[0].SourceFile)

	stage.fail("B", false)
	stage.reset()

	fixed := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}})

	assert.False(t, fixed.HasErrors())
	assert.Equal(t, [][]string{{"B"}}, stage.compiled())

	infos, err = pending.Load()
	require.NoError(t, err)
	assert.Empty(t, infos)

	graph, err := depgraph.Open(f.store, app)
	require.NoError(t, err)
	assert.False(t, graph.Contains("src/A"))
}

func TestBuilder_FailingUsageCycleTerminates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B", "C")

	stage := newGraphStage(map[string]depgraph.Node{
		"A": {ID: "a", Fingerprint: "1", Usages: []string{"b"}},
		"B": {ID: "b", Fingerprint: "1", Usages: []string{"c"}},
		"C": {ID: "c", Fingerprint: "1", Usages: []string{"a"}},
	})

	first := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})
	require.Equal(t, pipeline.OutcomeSuccess, first.Kind)

	for _, name := range []string{"A", "B", "C"} {
		stage.fail(name, true)
	}

	stage.reset()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := f.builder.Build(ctx, pipeline.Request{
		Descriptor: f.desc,
		Stages:     []pipeline.Stage{stage},
		Changes:    f.changed("A"),
	})
	require.NoError(t, err)

	assert.True(t, outcome.HasErrors())
	assert.Equal(t, 2, outcome.Rounds)

	var compiled []string
	for _, round := range stage.compiled() {
		compiled = append(compiled, round...)
	}

	slices.Sort(compiled)
	assert.Equal(t, []string{"A", "B", "C"}, compiled)
}

func TestBuilder_UnchangedTreeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B", "C")

	stage := newGraphStage(abcNodes())
	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Rebuild: true})
	stage.reset()

	stamps, err := f.store.FileStamps(app)
	require.NoError(t, err)

	outputs, err := f.store.SourceToOutputMap(app)
	require.NoError(t, err)

	changes, err := fsstate.DetectChanges(f.desc, stamps, outputs)
	require.NoError(t, err)
	require.True(t, changes.IsEmpty())

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}, Changes: changes})

	assert.False(t, outcome.DidWork)
	assert.Equal(t, 1, outcome.Rounds)
	assert.Equal(t, [][]string{nil}, stage.compiled())
}

func TestBuilder_RecordsStatistics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B")

	stage := newGraphStage(abcNodes())
	passes, _ := signalStage("passes", pipeline.AdditionalPassRequired)

	outcome := f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage, passes}, Rebuild: true})

	require.Len(t, outcome.Statistics, 2)
	assert.Equal(t, "graph", outcome.Statistics[0].Stage)
	assert.Equal(t, 2, outcome.Statistics[0].Invocations)
	assert.Equal(t, 2, outcome.Statistics[0].Files)
	assert.Equal(t, "passes", outcome.Statistics[1].Stage)

	rm := collect(t, f.reader)
	assert.Equal(t, int64(2), counterTotal(t, rm, "incbuild.rounds.total"))
	assert.Equal(t, int64(1), counterTotal(t, rm, "incbuild.builds.total"))
}

func TestBuilder_EmitsSpans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stage, _ := signalStage("only", pipeline.DidWork)

	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage}})

	var names []string
	for _, s := range f.exporter.GetSpans() {
		names = append(names, s.Name)
	}

	assert.ElementsMatch(t, []string{"incbuild.stage", "incbuild.round", "incbuild.build"}, names)
}

type countingSink struct {
	mu     sync.Mutex
	clears int
}

func (s *countingSink) Record(string, []string) error { return nil }
func (s *countingSink) RemoveAll([]string) error      { return nil }
func (s *countingSink) Commit() error                 { return nil }

func (s *countingSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clears++
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			return total
		}
	}

	return 0
}

func TestBuilder_CleanDropsOutputsAndState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "A", "B")

	out := filepath.Join(f.root, "out", "A")
	copier := pipeline.StageFunc{
		StageName: "emit",
		Fn: func(_ context.Context, rc *pipeline.RoundContext) (pipeline.ExitSignal, error) {
			for _, path := range rc.DirtyFiles() {
				if filepath.Base(path) != "A" {
					continue
				}

				if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
					return pipeline.NothingDone, err
				}

				if err := os.WriteFile(out, []byte("A"), 0o600); err != nil {
					return pipeline.NothingDone, err
				}

				if err := rc.RegisterOutputs(path, out); err != nil {
					return pipeline.NothingDone, err
				}
			}

			return pipeline.DidWork, nil
		},
	}

	stage := newGraphStage(abcNodes())
	f.build(t, pipeline.Request{Stages: []pipeline.Stage{stage, copier}, Rebuild: true})
	require.FileExists(t, out)

	require.NoError(t, f.builder.Clean(context.Background(), app))

	assert.NoFileExists(t, out)

	graph, err := depgraph.Open(f.store, app)
	require.NoError(t, err)
	assert.Zero(t, graph.Len())

	stamps, err := f.store.FileStamps(app)
	require.NoError(t, err)

	paths, err := stamps.Paths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestBuilder_RebuildPurgesUndecodableGraph(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	container := kvstore.NewMemory()

	m, err := container.Map("app/production/graph")
	require.NoError(t, err)
	require.NoError(t, m.Put("src/a", []byte("not a record")))

	store := storage.New(container, storage.Options{DataRoot: root, Relativizer: target.NewRootRelativizer(root)})
	t.Cleanup(func() { store.Close() })

	tracker := fsstate.NewTracker()
	builder := pipeline.New(pipeline.Options{
		Store:   store,
		Tracker: tracker,
		Differ:  differ.New(store, tracker, differ.Options{}),
	})

	desc := target.Descriptor{Target: app, SourceRoots: []string{filepath.Join(root, "src")}}

	outcome, err := builder.Build(context.Background(), pipeline.Request{Descriptor: desc})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeRebuildRequested, outcome.Kind)

	outcome, err = builder.Build(context.Background(), pipeline.Request{Descriptor: desc, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)

	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
