package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical/ocr-pipeline/internal/domain"
	"github.com/spherical/ocr-pipeline/internal/ledger"
	"github.com/spherical/ocr-pipeline/internal/ui"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var (
		limit   int
		runID   string
		workDir string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("work-dir") {
				cfg.Output.WorkDir = workDir
			}
			if cfg.Ledger.Driver == ledger.DriverNone {
				return domain.ConfigError("run ledger is disabled (ledger.driver: none)", nil)
			}

			l, err := ledger.Open(cmd.Context(), cfg.Ledger.Driver, cfg.LedgerDSN())
			if err != nil {
				return err
			}
			defer l.Close()

			if runID != "" {
				id, err := uuid.Parse(runID)
				if err != nil {
					return domain.ValidationError(fmt.Sprintf("invalid run id %q", runID), err)
				}
				return showRun(cmd, l, id)
			}

			runs, err := l.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID.String(),
					r.StartedAt.Local().Format(time.DateTime),
					string(r.State),
					fmt.Sprint(r.Written),
					fmt.Sprint(r.Skipped),
					r.Engine,
					r.Source,
				})
			}
			ui.Table(cmd.OutOrStdout(), []string{"RUN", "STARTED", "STATE", "WRITTEN", "SKIPPED", "ENGINE", "SOURCE"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the items of one run")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "work directory holding the SQLite ledger")
	return cmd
}

func showRun(cmd *cobra.Command, l *ledger.Ledger, id uuid.UUID) error {
	run, err := l.GetRun(cmd.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.ValidationError(fmt.Sprintf("no run %s", id), err)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.State)
	fmt.Fprintf(out, "  %s -> %s via %s\n", run.Source, run.Destination, run.Engine)
	if run.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", run.Error)
	}
	fmt.Fprintln(out)

	items, err := l.Items(cmd.Context(), id)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.Name, string(it.Status), string(it.Stage), it.Reason})
	}
	ui.Table(out, []string{"NAME", "STATUS", "STAGE", "REASON"}, rows)
	return nil
}
