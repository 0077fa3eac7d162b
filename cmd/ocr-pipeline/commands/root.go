// Package commands implements the ocr-pipeline command line.
package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/spherical/ocr-pipeline/internal/config"
	"github.com/spherical/ocr-pipeline/internal/observability"
	"github.com/spherical/ocr-pipeline/internal/ui"
)

// ErrSkippedItems is returned by run when items were skipped and the
// configuration asks for that to fail the process.
var ErrSkippedItems = errors.New("run completed with skipped items")

// Exit statuses
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitSkipped = 2
)

// globalOptions holds the persistent flags
type globalOptions struct {
	cfgFile string
	verbose bool
	noColor bool
}

// NewRootCmd builds the command tree. The root runs the pipeline when no
// subcommand is given.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}
	run := &runOptions{}

	root := &cobra.Command{
		Use:   "ocr-pipeline",
		Short: "Extract text from a folder of images into a JSONL file",
		Long: `ocr-pipeline downloads every image in a source folder, runs OCR on it and
uploads one JSON line per image to a destination folder.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Init(g.noColor)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, run)
		},
	}

	root.PersistentFlags().StringVarP(&g.cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored output")
	run.bind(root)

	root.AddCommand(
		newRunCmd(g),
		newVerifyCmd(),
		newHistoryCmd(g),
		newServeCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// ExitCode maps an Execute error onto a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrSkippedItems):
		return ExitSkipped
	default:
		return ExitFailure
	}
}

// loadConfig reads the config file and environment. Validation is left to
// the caller since not every command needs a complete configuration.
func loadConfig(g *globalOptions) (*config.Config, error) {
	return config.Load(g.cfgFile)
}

func newLogger(cmd *cobra.Command, g *globalOptions, cfg *config.Config) *observability.Logger {
	level := cfg.Observability.LogLevel
	if g.verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Observability.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
}
