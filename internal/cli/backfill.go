package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"healthsignals/internal/app"
)

var (
	backfillCSV     string
	backfillUsers   []string
	backfillFrom    string
	backfillTo      string
	backfillStep    int
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import historical observations and replay detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.DateOnly, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.DateOnly, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.BackfillOptions{
			CSVPath: backfillCSV,
			Users:   backfillUsers,
			From:    from,
			To:      to,
			Step:    backfillStep,
			DryRun:  backfillDryRun,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillCSV, "csv", "", "CSV file with user_id,date,metric,value[,source_id]")
	backfillCmd.Flags().StringSliceVar(&backfillUsers, "users", nil, "Restrict to these user ids (defaults to every user in the file)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date YYYY-MM-DD (inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date YYYY-MM-DD (exclusive)")
	backfillCmd.Flags().IntVar(&backfillStep, "step", 7, "Days between replayed detection windows")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
