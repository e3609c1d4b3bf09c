package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/incbuild/pkg/fsstate"
	"github.com/Sumatoshi-tech/incbuild/pkg/kvstore"
	"github.com/Sumatoshi-tech/incbuild/pkg/observability"
	"github.com/Sumatoshi-tech/incbuild/pkg/pipeline"
	"github.com/Sumatoshi-tech/incbuild/pkg/stages"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

var (
	// ErrCompilationFailed is returned when a target reported compile errors.
	ErrCompilationFailed = errors.New("compilation failed")
	// ErrBuildStopped is returned when a stage stopped the build.
	ErrBuildStopped = errors.New("build stopped")
	// ErrRebuildFailed is returned when a full rebuild still cannot proceed.
	ErrRebuildFailed = errors.New("rebuild failed")
)

const databaseFile = "build.db"

// BuildCommand holds the flags of the build command.
type BuildCommand struct {
	root *rootOptions

	rebuild     bool
	metricsAddr string
	stats       bool
}

// targetResult is one row of the build summary.
type targetResult struct {
	target  target.BuildTarget
	outcome pipeline.Outcome
	elapsed time.Duration
}

func newBuildCommand(root *rootOptions) *cobra.Command {
	bc := &BuildCommand{root: root}

	cmd := &cobra.Command{
		Use:   "build [target...]",
		Short: "Build targets incrementally",
		Long: `Build the given targets, or every target of the project, in dependency
order. A target is written as module or module:test.`,
		RunE: bc.run,
	}

	cmd.Flags().BoolVar(&bc.rebuild, "rebuild", false, "ignore incremental state and rebuild from scratch")
	cmd.Flags().StringVar(&bc.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz at this address while building")
	cmd.Flags().BoolVar(&bc.stats, "stats", false, "print per-stage statistics")

	return cmd
}

func (bc *BuildCommand) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	e, err := openEnv(bc.root, true, bc.metricsAddr)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := e.Close(context.WithoutCancel(ctx)); closeErr != nil {
			e.logger.Warn("shutdown incomplete", "error", closeErr)
		}
	}()

	if e.metricsAddr != "" {
		srv, srvErr := observability.NewDiagnosticsServer(e.metricsAddr, e.prom.Handler)
		if srvErr != nil {
			return srvErr
		}

		defer srv.Close(context.WithoutCancel(ctx))

		e.logger.Info("diagnostics server listening", "addr", srv.Addr())
	}

	targets, err := e.targets(args)
	if err != nil {
		return err
	}

	builder := e.newBuilder()
	out := cmd.OutOrStdout()
	results := make([]targetResult, 0, len(targets))

	var buildErr error

	for _, t := range targets {
		start := time.Now()

		outcome, err := bc.buildTarget(ctx, e, builder, t)
		if err != nil {
			return fmt.Errorf("build %s: %w", t, err)
		}

		results = append(results, targetResult{target: t, outcome: outcome, elapsed: time.Since(start)})

		printDiagnostics(out, t, outcome.Diagnostics)

		if outcome.Kind == pipeline.OutcomeStopRequested {
			buildErr = fmt.Errorf("%w at %s: %s", ErrBuildStopped, t, outcome.Message)

			break
		}

		if outcome.HasErrors() {
			buildErr = fmt.Errorf("%w: %s", ErrCompilationFailed, t)

			break
		}
	}

	renderSummary(out, results, storeSize(dataRoot(e.cfg, e.project)))

	if bc.stats {
		renderStats(out, results)
	}

	return buildErr
}

// buildTarget builds one target. A rebuild request is honored once by
// rebuilding the target from scratch.
func (bc *BuildCommand) buildTarget(ctx context.Context, e *env, b *pipeline.Builder, t target.BuildTarget) (pipeline.Outcome, error) {
	desc, err := e.project.Descriptor(t)
	if err != nil {
		return pipeline.Outcome{}, err
	}

	req := pipeline.Request{
		Descriptor: desc,
		Stages:     buildStages(e.store),
		Rebuild:    bc.rebuild,
	}

	if !req.Rebuild {
		req.Changes, err = detectChanges(e.store, desc)
		if errors.Is(err, kvstore.ErrCorrupted) {
			e.logger.WarnContext(ctx, "file stamps unreadable, rebuilding", "target", t.String(), "error", err)

			req.Rebuild, err = true, nil
		}

		if err != nil {
			return pipeline.Outcome{}, err
		}
	}

	outcome, err := b.Build(ctx, req)
	if err != nil || outcome.Kind != pipeline.OutcomeRebuildRequested {
		return outcome, err
	}

	if req.Rebuild {
		return outcome, fmt.Errorf("%w: %w", ErrRebuildFailed, outcome.Cause)
	}

	e.logger.WarnContext(ctx, "incremental build not possible, rebuilding", "target", t.String(), "reason", outcome.Cause)

	req.Rebuild = true
	req.Changes = target.SourceFileStateResult{}

	outcome, err = b.Build(ctx, req)
	if err == nil && outcome.Kind == pipeline.OutcomeRebuildRequested {
		return outcome, fmt.Errorf("%w: %w", ErrRebuildFailed, outcome.Cause)
	}

	return outcome, err
}

func buildStages(store *storage.Store) []pipeline.Stage {
	return []pipeline.Stage{
		&stages.IncludeScanner{Relativizer: store.Relativizer()},
		stages.ResourceCopier{},
	}
}

func detectChanges(store *storage.Store, desc target.Descriptor) (target.SourceFileStateResult, error) {
	stamps, err := store.FileStamps(desc.Target)
	if err != nil {
		return target.SourceFileStateResult{}, err
	}

	outputs, err := store.SourceToOutputMap(desc.Target)
	if err != nil {
		return target.SourceFileStateResult{}, err
	}

	return fsstate.DetectChanges(desc, stamps, outputs)
}

func printDiagnostics(out io.Writer, t target.BuildTarget, diags []pipeline.Diagnostic) {
	errColor := color.New(color.FgRed, color.Bold)
	warnColor := color.New(color.FgYellow)

	for _, d := range diags {
		label, c := "warning", warnColor
		if d.Severity == pipeline.SeverityError {
			label, c = "error", errColor
		}

		c.Fprintf(out, "%s", label)
		fmt.Fprintf(out, " [%s %s] %s: %s\n", t, d.Stage, d.Source, d.Message)
	}
}

func renderSummary(out io.Writer, results []targetResult, dbSize uint64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false

	tw.AppendHeader(table.Row{"Target", "Outcome", "Rounds", "Files", "Diagnostics", "Time"})

	var files int

	for _, r := range results {
		compiled := compiledFiles(r.outcome.Statistics)
		files += compiled

		tw.AppendRow(table.Row{
			r.target.String(),
			outcomeLabel(r.outcome),
			r.outcome.Rounds,
			humanize.Comma(int64(compiled)),
			len(r.outcome.Diagnostics),
			r.elapsed.Round(time.Millisecond).String(),
		})
	}

	tw.AppendFooter(table.Row{"", "", "", humanize.Comma(int64(files)), "", "store " + humanize.Bytes(dbSize)})
	tw.Render()
}

func renderStats(out io.Writer, results []targetResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false

	tw.AppendHeader(table.Row{"Target", "Stage", "Invocations", "Files", "Time"})

	for _, r := range results {
		for _, s := range r.outcome.Statistics {
			tw.AppendRow(table.Row{
				r.target.String(),
				s.Stage,
				s.Invocations,
				humanize.Comma(int64(s.Files)),
				s.Duration.Round(time.Microsecond).String(),
			})
		}
	}

	tw.Render()
}

func outcomeLabel(o pipeline.Outcome) string {
	switch {
	case o.HasErrors():
		return color.RedString("failed")
	case o.Kind != pipeline.OutcomeSuccess:
		return color.YellowString(o.Kind.String())
	case !o.DidWork:
		return "up to date"
	default:
		return color.GreenString("built")
	}
}

// compiledFiles takes the files of the busiest stage as the file count of
// a target.
func compiledFiles(stats []pipeline.StageStats) int {
	var most int

	for _, s := range stats {
		most = max(most, s.Files)
	}

	return most
}

func storeSize(root string) uint64 {
	info, err := os.Stat(filepath.Join(root, databaseFile))
	if err != nil {
		return 0
	}

	return uint64(info.Size())
}
