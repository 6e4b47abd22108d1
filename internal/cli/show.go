package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"healthsignals/internal/app"
)

var (
	showUser  string
	showLimit int
	showJobs  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored anomalies and correlations, or jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showUser == "" && !showJobs {
			return fmt.Errorf("--user must be provided unless --jobs is set")
		}

		opts := app.ShowOptions{
			UserID: showUser,
			Limit:  showLimit,
			Jobs:   showJobs,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showUser, "user", "", "User id")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showJobs, "jobs", false, "List analysis jobs instead of results")
}
