package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Sumatoshi-tech/incbuild/pkg/config"
	"github.com/Sumatoshi-tech/incbuild/pkg/differ"
	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
	"github.com/Sumatoshi-tech/incbuild/pkg/pipeline"
	"github.com/Sumatoshi-tech/incbuild/pkg/project"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
	"github.com/Sumatoshi-tech/incbuild/pkg/version"
)

const serviceName = "incbuild"

// env is everything a command needs to talk to the build store.
type env struct {
	cfg       *config.Config
	project   *project.Project
	store     *storage.Store
	providers observability.Providers
	metrics   *observability.BuildMetrics
	prom      *observability.PrometheusExporter
	logger    *slog.Logger

	// metricsAddr is where the diagnostics server should listen, if anywhere.
	metricsAddr string
}

// openEnv loads configuration and the project, initializes telemetry and
// opens the build store. With serveMetrics set, a Prometheus reader is
// attached for metricsAddr, falling back to the configured address.
func openEnv(opts *rootOptions, serveMetrics bool, metricsAddr string) (*env, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	proj, err := project.Load(opts.projectPath)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, project: proj}

	if serveMetrics {
		e.metricsAddr = metricsAddr
		if e.metricsAddr == "" {
			e.metricsAddr = cfg.Telemetry.MetricsAddr
		}
	}

	var readers []sdkmetric.Reader

	if e.metricsAddr != "" {
		e.prom, err = observability.NewPrometheusExporter()
		if err != nil {
			return nil, err
		}

		readers = append(readers, e.prom.Reader)
	}

	e.providers, err = observability.Init(observabilityConfig(cfg, opts.verbose), readers...)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	e.logger = e.providers.Logger

	e.metrics, err = observability.NewBuildMetrics(e.providers.Meter)
	if err != nil {
		return nil, errors.Join(err, e.providers.Shutdown(context.Background()))
	}

	codec, err := cfg.Storage.NewCodec()
	if err != nil {
		return nil, errors.Join(err, e.providers.Shutdown(context.Background()))
	}

	e.store, err = storage.Open(storage.Options{
		DataRoot:    dataRoot(cfg, proj),
		Relativizer: target.NewRootRelativizer(proj.Root),
		Codec:       codec,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, errors.Join(err, e.providers.Shutdown(context.Background()))
	}

	return e, nil
}

// dataRoot resolves the configured data directory against the project root.
func dataRoot(cfg *config.Config, proj *project.Project) string {
	if filepath.IsAbs(cfg.DataDir) {
		return cfg.DataDir
	}

	return filepath.Join(proj.Root, cfg.DataDir)
}

func observabilityConfig(cfg *config.Config, verbose bool) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceName = serviceName
	obs.ServiceVersion = version.Version
	obs.Collector = observability.Collector{
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Headers:  observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders),
		Insecure: cfg.Telemetry.OTLPInsecure,
	}
	obs.Sampling = observability.Sampling{
		All:     cfg.Telemetry.DebugTrace,
		Ratio:   cfg.Telemetry.SampleRatio,
		PerFile: cfg.Telemetry.TraceVerbose,
	}
	obs.LogLevel = cfg.Logging.SlogLevel()
	obs.LogJSON = cfg.Logging.Format == "json"

	if cfg.Telemetry.ShutdownTimeout > 0 {
		obs.ShutdownTimeout = cfg.Telemetry.ShutdownTimeout
	}

	if verbose {
		obs.LogLevel = slog.LevelDebug
	}

	return obs
}

// newBuilder wires a builder pipeline over the environment's store.
func (e *env) newBuilder() *pipeline.Builder {
	tracker := fsstate.NewTracker()

	descriptors := append([]string(nil), e.cfg.Graph.UnitDescriptors...)
	descriptors = append(descriptors, e.project.UnitDescriptors...)

	d := differ.New(e.store, tracker, differ.Options{
		UnitDescriptors:  descriptors,
		MaxAffectedRatio: e.cfg.Graph.MaxAffectedRatio,
		CheckWorkers:     e.cfg.Libraries.CheckWorkers,
		Logger:           e.logger,
	})

	return pipeline.New(pipeline.Options{
		Store:   e.store,
		Tracker: tracker,
		Differ:  d,
		Tracer:  e.providers.Tracer,
		Metrics: e.metrics,
		Logger:  e.logger,
	})
}

// targets resolves command arguments to targets in dependency order. No
// arguments selects every target of the project.
func (e *env) targets(args []string) ([]target.BuildTarget, error) {
	if len(args) == 0 {
		return e.project.Targets(), nil
	}

	parsed := make([]target.BuildTarget, 0, len(args))

	for _, arg := range args {
		t, err := target.Parse(arg)
		if err != nil {
			return nil, err
		}

		parsed = append(parsed, t)
	}

	return e.project.Order(parsed)
}

// Close closes the store and flushes telemetry.
func (e *env) Close(ctx context.Context) error {
	return errors.Join(e.store.Close(), e.providers.Shutdown(ctx))
}
