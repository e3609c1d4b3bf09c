// Package commands implements CLI command handlers for incbuild.
package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/incbuild/pkg/project"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	projectPath string
	verbose     bool
	noColor     bool
}

// NewRootCommand creates the incbuild command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "incbuild",
		Short: "Incremental module builder",
		Long: `incbuild compiles the modules of a project incrementally, recompiling
only the sources affected by what changed since the last build.

Commands:
  build     Build targets incrementally
  graph     Show the dependency graph of a target
  clean     Drop outputs and incremental state
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.noColor {
				color.NoColor = true //nolint:reassign // intentional override of library global
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default searches ./config.yaml, ./.incbuild, /etc/incbuild)")
	flags.StringVarP(&opts.projectPath, "project", "p", project.FileName, "project file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newBuildCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newCleanCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
