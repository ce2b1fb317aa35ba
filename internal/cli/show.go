package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-metrics/internal/app"
)

var (
	showType  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rows of one metric series",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showType == "" {
			return fmt.Errorf("--type is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			MetricType: showType,
			Limit:      showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showType, "type", "", "Metric type to display (e.g. buffett_indicator)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
