package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricStageDuration  = "incbuild.stage.duration.seconds"
	metricStageFiles     = "incbuild.stage.files.total"
	metricAffectedFiles  = "incbuild.affected.files.total"
	metricRoundsTotal    = "incbuild.rounds.total"
	metricBuildsTotal    = "incbuild.builds.total"
	metricBuildDuration  = "incbuild.build.duration.seconds"
	metricChunkRebuilds  = "incbuild.chunk_rebuilds.total"
	metricInflightBuilds = "incbuild.inflight.builds"

	attrStage   = "stage"
	attrOutcome = "outcome"
)

// durationBucketBoundaries covers 1ms to 600s: single stages over a handful
// of files up to full rebuilds of large targets.
var durationBucketBoundaries = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// BuildMetrics holds the OTel instruments of the builder pipeline.
// A nil *BuildMetrics records nothing.
type BuildMetrics struct {
	stageDuration  metric.Float64Histogram
	stageFiles     metric.Int64Counter
	affectedFiles  metric.Int64Counter
	rounds         metric.Int64Counter
	builds         metric.Int64Counter
	buildDuration  metric.Float64Histogram
	chunkRebuilds  metric.Int64Counter
	inflightBuilds metric.Int64UpDownCounter
}

// NewBuildMetrics creates the builder instruments from the given meter.
func NewBuildMetrics(mt metric.Meter) (*BuildMetrics, error) {
	b := newMetricBuilder(mt)

	bm := &BuildMetrics{
		stageDuration:  b.histogram(metricStageDuration, "Builder stage duration in seconds", "s", durationBucketBoundaries...),
		stageFiles:     b.counter(metricStageFiles, "Dirty files handed to builder stages", "{file}"),
		affectedFiles:  b.counter(metricAffectedFiles, "Sources marked dirty by dependency analysis", "{file}"),
		rounds:         b.counter(metricRoundsTotal, "Build rounds executed", "{round}"),
		builds:         b.counter(metricBuildsTotal, "Target builds by outcome", "{build}"),
		buildDuration:  b.histogram(metricBuildDuration, "Target build duration in seconds", "s", durationBucketBoundaries...),
		chunkRebuilds:  b.counter(metricChunkRebuilds, "Honored chunk rebuild requests", "{rebuild}"),
		inflightBuilds: b.upDownCounter(metricInflightBuilds, "Target builds in progress", "{build}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return bm, nil
}

func targetAttrs(target string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String(attrTarget, target)}, extra...)...)
}

// RecordStage records one stage invocation.
func (bm *BuildMetrics) RecordStage(ctx context.Context, target, stage string, duration time.Duration, files int) {
	if bm == nil {
		return
	}

	attrs := targetAttrs(target, attribute.String(attrStage, stage))
	bm.stageDuration.Record(ctx, duration.Seconds(), attrs)
	bm.stageFiles.Add(ctx, int64(files), attrs)
}

// RecordAffected records sources marked dirty by dependency analysis.
func (bm *BuildMetrics) RecordAffected(ctx context.Context, target string, files int) {
	if bm == nil || files == 0 {
		return
	}

	bm.affectedFiles.Add(ctx, int64(files), targetAttrs(target))
}

// RecordRound records the start of a round.
func (bm *BuildMetrics) RecordRound(ctx context.Context, target string) {
	if bm == nil {
		return
	}

	bm.rounds.Add(ctx, 1, targetAttrs(target))
}

// RecordChunkRebuild records an honored chunk rebuild request.
func (bm *BuildMetrics) RecordChunkRebuild(ctx context.Context, target string) {
	if bm == nil {
		return
	}

	bm.chunkRebuilds.Add(ctx, 1, targetAttrs(target))
}

// TrackBuild marks a build in flight. The returned function records its
// outcome and duration.
func (bm *BuildMetrics) TrackBuild(ctx context.Context, target string) func(outcome string) {
	if bm == nil {
		return func(string) {}
	}

	start := time.Now()
	attrs := targetAttrs(target)
	bm.inflightBuilds.Add(ctx, 1, attrs)

	return func(outcome string) {
		bm.inflightBuilds.Add(ctx, -1, attrs)

		done := targetAttrs(target, attribute.String(attrOutcome, outcome))
		bm.builds.Add(ctx, 1, done)
		bm.buildDuration.Record(ctx, time.Since(start).Seconds(), done)
	}
}

// metricBuilder accumulates instrument creation errors so a batch of
// instruments needs a single error check.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func newMetricBuilder(mt metric.Meter) *metricBuilder {
	return &metricBuilder{meter: mt}
}

func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

func (b *metricBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	}

	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}

	h, err := b.meter.Float64Histogram(name, opts...)
	b.setErr(name, err)

	return h
}

func (b *metricBuilder) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

// setErr records the first instrument creation error.
func (b *metricBuilder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}
