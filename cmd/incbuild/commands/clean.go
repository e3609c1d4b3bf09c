package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newCleanCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [target...]",
		Short: "Drop outputs and incremental state",
		Long: `Remove the recorded outputs and all incremental state of the given
targets, or of every target of the project. The next build is a full one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, root, args)
		},
	}
}

func runClean(cmd *cobra.Command, root *rootOptions, args []string) error {
	e, err := openEnv(root, false, "")
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := e.Close(context.WithoutCancel(cmd.Context())); closeErr != nil {
			e.logger.Warn("shutdown incomplete", "error", closeErr)
		}
	}()

	targets, err := e.targets(args)
	if err != nil {
		return err
	}

	builder := e.newBuilder()
	out := cmd.OutOrStdout()

	for _, t := range targets {
		if err := builder.Clean(cmd.Context(), t); err != nil {
			return fmt.Errorf("clean %s: %w", t, err)
		}

		color.New(color.FgGreen).Fprintf(out, "cleaned %s\n", t)
	}

	return nil
}
