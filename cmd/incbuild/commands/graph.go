package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/incbuild/pkg/depgraph"
	"github.com/Sumatoshi-tech/incbuild/pkg/storage"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

func newGraphCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <target>",
		Short: "Show the dependency graph of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd, root, args[0])
		},
	}
}

func runGraph(cmd *cobra.Command, root *rootOptions, arg string) error {
	t, err := target.Parse(arg)
	if err != nil {
		return err
	}

	e, err := openEnv(root, false, "")
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := e.Close(context.WithoutCancel(cmd.Context())); closeErr != nil {
			e.logger.Warn("shutdown incomplete", "error", closeErr)
		}
	}()

	if _, err = e.project.Descriptor(t); err != nil {
		return err
	}

	graph, err := depgraph.Open(e.store, t)
	if err != nil {
		return fmt.Errorf("open graph of %s: %w", t, err)
	}

	stateStorage, err := e.store.TargetState(t)
	if err != nil {
		return err
	}

	state, err := stateStorage.Get()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	printState(out, t, state)
	renderGraph(out, graph.Graph)

	return nil
}

func printState(out io.Writer, t target.BuildTarget, state storage.TargetState) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "%s\n", t)

	if state.BuildID == "" {
		fmt.Fprintln(out, "never built")

		return
	}

	status := color.YellowString("dirty")
	if state.UpToDate {
		status = color.GreenString("up to date")
	}

	fmt.Fprintf(out, "%s, last build %s (%s)\n", status, humanize.Time(state.LastBuild), state.BuildID)
}

func renderGraph(out io.Writer, graph *depgraph.Graph) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.DrawBorder = false
	tw.Style().Options.SeparateColumns = false

	tw.AppendHeader(table.Row{"Source", "Node", "Fingerprint", "Uses", "Used by"})

	var nodes int

	for _, src := range graph.Sources() {
		for _, node := range graph.Nodes(src) {
			nodes++

			tw.AppendRow(table.Row{
				string(src),
				node.ID,
				shortFingerprint(node.Fingerprint),
				strings.Join(node.Usages, ", "),
				len(graph.Dependents(node.ID)),
			})
		}
	}

	tw.AppendFooter(table.Row{humanize.Comma(int64(graph.Len())) + " sources", humanize.Comma(int64(nodes)) + " nodes", "", "", ""})
	tw.Render()
}

const fingerprintWidth = 12

func shortFingerprint(fp string) string {
	if len(fp) <= fingerprintWidth {
		return fp
	}

	return fp[:fingerprintWidth]
}
