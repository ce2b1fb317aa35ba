package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-metrics/internal/alerting"
	"market-metrics/internal/config"
	"market-metrics/internal/fetcher"
	"market-metrics/internal/scheduler"
	"market-metrics/internal/server"
	"market-metrics/internal/service"
	"market-metrics/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.SeriesFetcher, fetcher.SpotPriceFetcher) {
	fred := fetcher.NewFRED(fetcher.FREDOptions{
		BaseURL:      a.Config.FRED.BaseURL,
		APIKey:       a.Config.FRED.APIKey,
		HistoryLimit: a.Config.FRED.HistoryLimit,
		Timeout:      a.Config.FRED.RequestTimeout,
		UserAgent:    a.Config.FRED.UserAgent,
	}, a.Logger)

	metals := fetcher.NewMetals(fetcher.MetalsOptions{
		BaseURL:   a.Config.Metals.BaseURL,
		Timeout:   a.Config.Metals.RequestTimeout,
		UserAgent: a.Config.Metals.UserAgent,
	}, a.Logger)

	return fred, metals
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openStore builds the storage handle explicitly; there is no process-wide
// lazily-initialized client, callers own the returned closer.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running mode: HTTP API plus the scheduled refresh
// loop, shut down together on SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the service")
	}
	defer closeStore()

	fred, metals := a.newFetchers()
	svc := service.New(a.Config, fred, metals, store, a.newNotifier(), a.Logger)

	srv := server.New(a.Config.Server, store, svc, a.Logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			report, err := svc.Refresh(ctx)
			if errors.Is(err, service.ErrRefreshInProgress) {
				a.Logger.Info().Msg("skipping scheduled refresh; another run holds the lock")
				return nil
			}
			if err != nil {
				return err
			}
			a.Logger.Info().Bool("all_series", report.AllSucceeded()).Msg("scheduled refresh completed")
			return nil
		})
	}()

	a.Logger.Info().Str("addr", srv.Addr()).Msg("market metrics service started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("server forced to shutdown")
	}

	a.Logger.Info().Msg("market metrics service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	MetricType string
	Limit      int
}

// ExportOptions hold parameters for exporting a stored series.
type ExportOptions struct {
	MetricType string
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}
