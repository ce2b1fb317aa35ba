package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-metrics/internal/app"
)

var (
	exportType      string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a stored metric series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportType == "" {
			return fmt.Errorf("--type is required")
		}

		opts := app.ExportOptions{
			MetricType: exportType,
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			MaxPoints:  exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportType, "type", "", "Metric type to export (e.g. buffett_indicator)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
