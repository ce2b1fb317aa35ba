package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-metrics/internal/storage"
)

// Export renders a stored metric series as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	metricType, err := storage.ParseMetricType(opts.MetricType)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	metrics, err := store.ListMetrics(ctx, metricType, storage.MaxQueryLimit)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		a.Logger.Info().Str("metric_type", string(metricType)).Msg("no metrics found for export")
		return nil
	}

	// ListMetrics returns newest first; charts read left to right.
	reverseMetrics(metrics)
	downsampled := downsampleMetrics(metrics, opts.MaxPoints)
	a.Logger.Info().Int("total", len(metrics)).Int("exported", len(downsampled)).Msg("exporting metrics")

	if opts.CSVPath != "" {
		if err := writeMetricsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeMetricsPNG(opts.PNGPath, string(metricType), downsampled); err != nil {
			return err
		}
	}

	return nil
}

func reverseMetrics(metrics []storage.Metric) {
	for i, j := 0, len(metrics)-1; i < j; i, j = i+1, j-1 {
		metrics[i], metrics[j] = metrics[j], metrics[i]
	}
}

func downsampleMetrics(metrics []storage.Metric, max int) []storage.Metric {
	if max <= 0 || len(metrics) <= max {
		return metrics
	}

	result := make([]storage.Metric, 0, max)
	step := float64(len(metrics)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(metrics) {
			idx = len(metrics) - 1
		}
		result = append(result, metrics[idx])
	}
	return result
}

func writeMetricsCSV(path string, metrics []storage.Metric) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"recorded_at", "metric_type", "value"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, metric := range metrics {
		record := []string{
			metric.RecordedAt.UTC().Format(time.RFC3339),
			string(metric.Type),
			metric.Value.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeMetricsPNG(path, seriesName string, metrics []storage.Metric) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(metrics))
	values := make([]float64, len(metrics))
	for i, metric := range metrics {
		x[i] = metric.RecordedAt
		values[i] = metric.Value.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           seriesName,
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    seriesName,
				XValues: x,
				YValues: values,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
