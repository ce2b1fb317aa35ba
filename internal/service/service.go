package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-metrics/internal/alerting"
	"market-metrics/internal/align"
	"market-metrics/internal/config"
	"market-metrics/internal/fetcher"
	"market-metrics/internal/storage"
)

// ErrRefreshInProgress indicates another refresh run holds the advisory
// lock. Safe to ignore: the running refresh writes the same upstream data.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// SeriesOutcome reports the result of one tracked series within a run.
type SeriesOutcome struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// RunReport aggregates per-series outcomes of one refresh run. The run as a
// whole "succeeds" by completing; individual series may still have failed.
type RunReport struct {
	StartedAt  time.Time                `json:"startedAt"`
	FinishedAt time.Time                `json:"finishedAt"`
	Results    map[string]SeriesOutcome `json:"results"`
}

// AllSucceeded reports whether every tracked series completed cleanly.
func (r RunReport) AllSucceeded() bool {
	for _, outcome := range r.Results {
		if !outcome.Success {
			return false
		}
	}
	return len(r.Results) > 0
}

// trackedSeries binds a FRED series to its stored metric type. keep bounds
// how many of the most recent observations are written per run; history
// before that window is covered by the first run's deep fetch.
type trackedSeries struct {
	name     string
	metric   storage.MetricType
	seriesID string
	keep     int
}

var simpleSeries = []trackedSeries{
	{name: "mortgage", metric: storage.MetricMortgageRate, seriesID: fetcher.SeriesMortgage30Y, keep: 52},
	{name: "home_price", metric: storage.MetricHomePriceIndex, seriesID: fetcher.SeriesHomePriceIndex, keep: 36},
	{name: "sp500", metric: storage.MetricSP500, seriesID: fetcher.SeriesSP500, keep: 30},
}

const buffettKeep = 30

// Service orchestrates fetching, alignment, persistence, and alerting for
// one refresh run.
type Service struct {
	fred     fetcher.SeriesFetcher
	metals   fetcher.SpotPriceFetcher
	store    storage.MetricStore
	notifier alerting.Notifier
	logger   zerolog.Logger

	threshold decimal.Decimal
	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
}

// New constructs the refresh service.
func New(cfg *config.Config, fred fetcher.SeriesFetcher, metals fetcher.SpotPriceFetcher, store storage.MetricStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		fred:      fred,
		metals:    metals,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		threshold: threshold,
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Refresh executes one full refresh run: every tracked series is fetched,
// derived where needed, and upserted independently. A failing series never
// aborts the others; its outcome lands in the report instead. No retries
// happen within a run; re-invocation by the scheduler is safe because the
// store upsert is idempotent.
func (s *Service) Refresh(ctx context.Context) (RunReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return RunReport{}, err
	}
	if !proceed {
		return RunReport{}, ErrRefreshInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	report := RunReport{
		StartedAt: time.Now().UTC(),
		Results:   make(map[string]SeriesOutcome),
	}

	var mu sync.Mutex
	record := func(name string, outcome SeriesOutcome) {
		mu.Lock()
		report.Results[name] = outcome
		mu.Unlock()

		event := s.logger.Info()
		if !outcome.Success {
			event = s.logger.Warn()
		}
		event.Str("series", name).
			Bool("success", outcome.Success).
			Int("count", outcome.Count).
			Str("error", outcome.Error).
			Msg("series refreshed")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		record("buffett", s.refreshBuffett(ctx))
	}()

	for _, tracked := range simpleSeries {
		wg.Add(1)
		go func(tracked trackedSeries) {
			defer wg.Done()
			record(tracked.name, s.refreshSimple(ctx, tracked))
		}(tracked)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record("metals", s.refreshMetals(ctx))
	}()

	wg.Wait()
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// refreshBuffett derives the market-cap/GDP ratio. The two constituent
// fetches run in parallel and join before alignment; the derived ratio,
// the market-cap proxy, and GDP are stored as three series in one batch.
func (s *Service) refreshBuffett(ctx context.Context) SeriesOutcome {
	var (
		inner     sync.WaitGroup
		marketCap fetcher.Series
		gdp       fetcher.Series
		mcErr     error
		gdpErr    error
	)

	inner.Add(2)
	go func() {
		defer inner.Done()
		marketCap, mcErr = s.fred.FetchSeries(ctx, fetcher.SeriesMarketCap, fetcher.SeriesOptions{})
	}()
	go func() {
		defer inner.Done()
		gdp, gdpErr = s.fred.FetchSeries(ctx, fetcher.SeriesGDP, fetcher.SeriesOptions{})
	}()
	inner.Wait()

	if mcErr != nil {
		return SeriesOutcome{Error: fmt.Sprintf("fetch market cap: %v", mcErr)}
	}
	if gdpErr != nil {
		return SeriesOutcome{Error: fmt.Sprintf("fetch gdp: %v", gdpErr)}
	}
	if len(marketCap.Observations) == 0 || len(gdp.Observations) == 0 {
		return SeriesOutcome{Error: "no data fetched"}
	}

	aligned := align.AsOfRatios(marketCap.Observations, gdp.Observations)
	if len(aligned) == 0 {
		return SeriesOutcome{Error: "no alignable observations"}
	}

	recent := aligned
	if len(recent) > buffettKeep {
		recent = recent[len(recent)-buffettKeep:]
	}

	metrics := make([]storage.Metric, 0, 3*len(recent))
	for _, ratio := range recent {
		metrics = append(metrics,
			storage.Metric{
				Type:       storage.MetricBuffettIndicator,
				Value:      ratio.Ratio,
				RecordedAt: ratio.Date,
				Metadata: map[string]any{
					"market_cap": ratio.Numerator.String(),
					"gdp":        ratio.Denominator.String(),
				},
			},
			storage.Metric{
				Type:       storage.MetricMarketCap,
				Value:      ratio.Numerator,
				RecordedAt: ratio.Date,
			},
			storage.Metric{
				Type:       storage.MetricGDP,
				Value:      ratio.Denominator,
				RecordedAt: ratio.Date,
			},
		)
	}

	if err := s.store.UpsertMetrics(ctx, metrics); err != nil {
		return SeriesOutcome{Error: fmt.Sprintf("store buffett metrics: %v", err)}
	}

	s.maybeAlert(ctx, recent[len(recent)-1])

	return SeriesOutcome{Success: true, Count: len(metrics)}
}

func (s *Service) refreshSimple(ctx context.Context, tracked trackedSeries) SeriesOutcome {
	series, err := s.fred.FetchSeries(ctx, tracked.seriesID, fetcher.SeriesOptions{})
	if err != nil {
		return SeriesOutcome{Error: fmt.Sprintf("fetch %s: %v", tracked.seriesID, err)}
	}
	if len(series.Observations) == 0 {
		return SeriesOutcome{Error: "no data fetched"}
	}

	recent := series.Observations
	if tracked.keep > 0 && len(recent) > tracked.keep {
		recent = recent[len(recent)-tracked.keep:]
	}

	metrics := make([]storage.Metric, 0, len(recent))
	for _, obs := range recent {
		metrics = append(metrics, storage.Metric{
			Type:       tracked.metric,
			Value:      obs.Value,
			RecordedAt: obs.Date,
		})
	}

	if err := s.store.UpsertMetrics(ctx, metrics); err != nil {
		return SeriesOutcome{Error: fmt.Sprintf("store %s metrics: %v", tracked.name, err)}
	}
	return SeriesOutcome{Success: true, Count: len(metrics)}
}

func (s *Service) refreshMetals(ctx context.Context) SeriesOutcome {
	quote, err := s.metals.FetchSpot(ctx)
	if err != nil {
		return SeriesOutcome{Error: fmt.Sprintf("fetch spot prices: %v", err)}
	}

	recordedAt := quote.Timestamp.Truncate(24 * time.Hour)
	metrics := []storage.Metric{
		{Type: storage.MetricGold, Value: quote.Gold, RecordedAt: recordedAt},
		{Type: storage.MetricSilver, Value: quote.Silver, RecordedAt: recordedAt},
	}

	if err := s.store.UpsertMetrics(ctx, metrics); err != nil {
		return SeriesOutcome{Error: fmt.Sprintf("store metals metrics: %v", err)}
	}
	return SeriesOutcome{Success: true, Count: len(metrics)}
}

// maybeAlert dispatches a valuation alert when the latest derived ratio
// crosses the configured threshold. Alert failures are logged, never
// reflected in the series outcome.
func (s *Service) maybeAlert(ctx context.Context, latest align.Ratio) {
	if !s.alertsOn || s.notifier == nil || s.threshold.IsZero() {
		return
	}
	if latest.Ratio.LessThanOrEqual(s.threshold) {
		return
	}

	note := alerting.Notification{
		RecordedAt:   latest.Date,
		Ratio:        latest.Ratio,
		ThresholdPct: s.threshold,
		MarketCap:    latest.Numerator,
		GDP:          latest.Denominator,
		Channels:     s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("recorded_at", latest.Date).Msg("failed to dispatch valuation alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
