package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"healthsignals/internal/app"
)

// runFlags are shared by detect and correlate.
type runFlags struct {
	user     string
	days     int
	end      string
	baseline string
	explain  bool
	json     bool
}

var (
	detectFlags    runFlags
	correlateFlags runFlags
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection for one user",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := detectFlags.options()
		if err != nil {
			return err
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Run correlation analysis for one user",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := correlateFlags.options()
		if err != nil {
			return err
		}
		return getApp().Correlate(cmd.Context(), opts)
	},
}

func (f *runFlags) options() (app.RunOptions, error) {
	if f.user == "" {
		return app.RunOptions{}, fmt.Errorf("--user must be provided")
	}
	if f.days < 0 {
		return app.RunOptions{}, fmt.Errorf("--days must not be negative")
	}
	opts := app.RunOptions{
		UserID:   f.user,
		Days:     f.days,
		Baseline: f.baseline,
		Explain:  f.explain,
		JSON:     f.json,
	}
	if f.end != "" {
		end, err := time.Parse(time.DateOnly, f.end)
		if err != nil {
			return app.RunOptions{}, fmt.Errorf("invalid --end value: %w", err)
		}
		opts.End = end
	}
	return opts, nil
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "User id to analyse")
	cmd.Flags().IntVar(&f.days, "days", 0, "Window length in days (defaults to config)")
	cmd.Flags().StringVar(&f.end, "end", "", "Exclusive end date YYYY-MM-DD (defaults to tomorrow)")
	cmd.Flags().BoolVar(&f.explain, "explain", false, "Publish explanation requests for the findings")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the run as JSON")
}

func init() {
	detectFlags.register(detectCmd)
	detectCmd.Flags().StringVar(&detectFlags.baseline, "baseline", "", "Baseline strategy: standard, robust, adaptive or ewma")
	correlateFlags.register(correlateCmd)
}
