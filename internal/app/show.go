package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"market-metrics/internal/storage"
)

// Show prints recent rows of one metric series.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	metricType, err := storage.ParseMetricType(opts.MetricType)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show metrics")
	}
	defer closeStore()

	metrics, err := store.ListMetrics(ctx, metricType, opts.Limit)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		fmt.Fprintln(os.Stdout, "no metrics found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Recorded (UTC)\tType\tValue\tStored")

	for _, metric := range metrics {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			metric.RecordedAt.UTC().Format("2006-01-02"),
			metric.Type,
			metric.Value.StringFixed(2),
			metric.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}
