package commands

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/spherical/ocr-pipeline/internal/config"
	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/ui"
)

// runOptions holds flags that override the configuration
type runOptions struct {
	source     string
	dest       string
	store      string
	engine     string
	workers    int
	workDir    string
	noProgress bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.source, "source", "", "source folder (Drive folder id or local directory)")
	f.StringVar(&o.dest, "dest", "", "destination folder (Drive folder id or local directory)")
	f.StringVar(&o.store, "store", "", "file store for source and destination: drive or local")
	f.StringVar(&o.engine, "engine", "", "OCR engine: vision or tesseract")
	f.IntVar(&o.workers, "workers", 0, "number of images processed concurrently")
	f.StringVar(&o.workDir, "work-dir", "", "directory for downloads, output and the run ledger")
	f.BoolVar(&o.noProgress, "no-progress", false, "disable the progress display")
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Source.Folder = o.source
	}
	if f.Changed("dest") {
		cfg.Destination.Folder = o.dest
	}
	if f.Changed("store") {
		cfg.Source.Store = o.store
		cfg.Destination.Store = o.store
	}
	if f.Changed("engine") {
		cfg.OCR.Engine = o.engine
	}
	if f.Changed("workers") {
		cfg.Pipeline.Workers = o.workers
	}
	if f.Changed("work-dir") {
		cfg.Output.WorkDir = o.workDir
	}
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, o)
		},
	}
	o.bind(cmd)
	return cmd
}

func runPipeline(cmd *cobra.Command, g *globalOptions, o *runOptions) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	o.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return domain.ConfigError("invalid configuration", err)
	}

	logger := newLogger(cmd, g, cfg)
	ctx := cmd.Context()

	events := make(chan domain.Event, 100)
	app, err := build(ctx, cfg, logger, events)
	if err != nil {
		return err
	}
	defer app.Close()

	reporter := ui.NewReporter(cmd.ErrOrStderr(), o.noProgress || g.verbose)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Consume(events)
	}()

	summary, runErr := app.pipeline.Run(ctx)
	close(events)
	wg.Wait()

	ui.Summary(cmd.OutOrStdout(), summary)

	if runErr != nil {
		return fmt.Errorf("run %s %s: %w", summary.RunID, summary.State, runErr)
	}
	if cfg.Pipeline.FailOnSkipped && len(summary.Skipped) > 0 {
		return fmt.Errorf("%w: %d of %d", ErrSkippedItems, len(summary.Skipped), summary.Listed)
	}
	return nil
}
