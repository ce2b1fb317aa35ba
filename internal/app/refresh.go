package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"market-metrics/internal/service"
)

// Refresh executes one refresh run and prints the per-series report.
func (a *App) Refresh(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot refresh")
	}
	defer closeStore()

	fred, metals := a.newFetchers()
	svc := service.New(a.Config, fred, metals, store, a.newNotifier(), a.Logger)

	report, err := svc.Refresh(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))

	if !report.AllSucceeded() {
		return errors.New("one or more series failed; see report")
	}
	return nil
}
