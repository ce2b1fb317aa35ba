package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-metrics/internal/alerting"
	"market-metrics/internal/config"
	"market-metrics/internal/fetcher"
	"market-metrics/internal/storage"
)

type fakeFRED struct {
	series map[string]fetcher.Series
	errs   map[string]error
}

func (f *fakeFRED) FetchSeries(_ context.Context, seriesID string, _ fetcher.SeriesOptions) (fetcher.Series, error) {
	if err, ok := f.errs[seriesID]; ok {
		return fetcher.Series{}, err
	}
	return f.series[seriesID], nil
}

type fakeMetals struct {
	quote fetcher.SpotQuote
	err   error
}

func (f *fakeMetals) FetchSpot(_ context.Context) (fetcher.SpotQuote, error) {
	if f.err != nil {
		return fetcher.SpotQuote{}, f.err
	}
	return f.quote, nil
}

// memStore is an in-memory MetricStore keyed on (metric_type, recorded_at),
// mirroring the UNIQUE constraint of the real table.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]storage.Metric
	failAll bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]storage.Metric)}
}

func metricKey(m storage.Metric) string {
	return fmt.Sprintf("%s|%s", m.Type, m.RecordedAt.UTC().Format(time.RFC3339))
}

func (s *memStore) UpsertMetric(ctx context.Context, metric storage.Metric) error {
	return s.UpsertMetrics(ctx, []storage.Metric{metric})
}

func (s *memStore) UpsertMetrics(_ context.Context, metrics []storage.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("storage unavailable")
	}
	for _, metric := range metrics {
		s.rows[metricKey(metric)] = metric
	}
	return nil
}

func (s *memStore) LatestMetric(_ context.Context, metricType storage.MetricType) (storage.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest storage.Metric
	found := false
	for _, metric := range s.rows {
		if metric.Type != metricType {
			continue
		}
		if !found || metric.RecordedAt.After(latest.RecordedAt) {
			latest = metric
			found = true
		}
	}
	if !found {
		return storage.Metric{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) ListMetrics(_ context.Context, metricType storage.MetricType, limit int) ([]storage.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = storage.ClampLimit(limit)
	out := make([]storage.Metric, 0)
	for _, metric := range s.rows {
		if metric.Type == metricType {
			out = append(out, metric)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountMetrics(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func testConfig() *config.Config {
	return &config.Config{}
}

func obs(date string, value int64) fetcher.Observation {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return fetcher.Observation{Date: t.UTC(), Value: decimal.NewFromInt(value)}
}

func healthyFRED() *fakeFRED {
	return &fakeFRED{
		series: map[string]fetcher.Series{
			fetcher.SeriesMarketCap: {Observations: []fetcher.Observation{
				obs("2021-01-01", 25000),
				obs("2021-04-01", 26000),
			}},
			fetcher.SeriesGDP: {Observations: []fetcher.Observation{
				obs("2020-10-01", 21000),
			}},
			fetcher.SeriesMortgage30Y: {Observations: []fetcher.Observation{
				obs("2021-01-07", 3),
			}},
			fetcher.SeriesHomePriceIndex: {Observations: []fetcher.Observation{
				obs("2021-01-01", 235),
			}},
			fetcher.SeriesSP500: {Observations: []fetcher.Observation{
				obs("2021-01-04", 3700),
			}},
		},
		errs: map[string]error{},
	}
}

func healthyMetals() *fakeMetals {
	return &fakeMetals{quote: fetcher.SpotQuote{
		Gold:      decimal.NewFromInt(2650),
		Silver:    decimal.NewFromFloat(31.5),
		Timestamp: time.Date(2021, 4, 2, 15, 30, 0, 0, time.UTC),
	}}
}

func TestRefreshAllSeriesSucceed(t *testing.T) {
	store := newMemStore()
	svc := New(testConfig(), healthyFRED(), healthyMetals(), store, nil, zerolog.Nop())

	report, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 5)
	assert.True(t, report.AllSucceeded())

	for name, outcome := range report.Results {
		assert.True(t, outcome.Success, "series %s should succeed", name)
		assert.Empty(t, outcome.Error)
	}

	// 2 aligned dates x 3 families + 3 simple series x 1 + gold + silver.
	count, err := store.CountMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), count)
}

func TestRefreshBuffettDerivation(t *testing.T) {
	store := newMemStore()
	svc := New(testConfig(), healthyFRED(), healthyMetals(), store, nil, zerolog.Nop())

	report, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, report.Results["buffett"].Success)
	assert.Equal(t, 6, report.Results["buffett"].Count)

	latest, err := store.LatestMetric(context.Background(), storage.MetricBuffettIndicator)
	require.NoError(t, err)
	assert.Equal(t, "123.81", latest.Value.StringFixed(2))
	require.NotNil(t, latest.Metadata)
	assert.Equal(t, "26000", latest.Metadata["market_cap"])
	assert.Equal(t, "21000", latest.Metadata["gdp"])

	gdp, err := store.LatestMetric(context.Background(), storage.MetricGDP)
	require.NoError(t, err)
	assert.Equal(t, "21000", gdp.Value.String())
}

func TestRefreshFailureIsolation(t *testing.T) {
	fred := healthyFRED()
	metals := &fakeMetals{err: fmt.Errorf("%w: connection refused", fetcher.ErrUpstream)}
	store := newMemStore()
	svc := New(testConfig(), fred, metals, store, nil, zerolog.Nop())

	report, err := svc.Refresh(context.Background())
	require.NoError(t, err, "a failing series must not abort the run")

	assert.False(t, report.Results["metals"].Success)
	assert.Contains(t, report.Results["metals"].Error, "connection refused")
	assert.True(t, report.Results["mortgage"].Success)
	assert.True(t, report.Results["buffett"].Success)
	assert.False(t, report.AllSucceeded())

	// Metals rows absent, everything else landed.
	_, err = store.LatestMetric(context.Background(), storage.MetricGold)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.LatestMetric(context.Background(), storage.MetricMortgageRate)
	assert.NoError(t, err)
}

func TestRefreshEmptySeriesReported(t *testing.T) {
	fred := healthyFRED()
	fred.series[fetcher.SeriesSP500] = fetcher.Series{}
	svc := New(testConfig(), fred, healthyMetals(), newMemStore(), nil, zerolog.Nop())

	report, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Results["sp500"].Success)
	assert.Equal(t, "no data fetched", report.Results["sp500"].Error)
}

func TestRefreshIdempotent(t *testing.T) {
	store := newMemStore()
	svc := New(testConfig(), healthyFRED(), healthyMetals(), store, nil, zerolog.Nop())

	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	first, err := store.CountMetrics(context.Background())
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	second, err := store.CountMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-running the same batch must not add rows")
}

func TestRefreshStoreFailureReported(t *testing.T) {
	store := newMemStore()
	store.failAll = true
	svc := New(testConfig(), healthyFRED(), healthyMetals(), store, nil, zerolog.Nop())

	report, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	for name, outcome := range report.Results {
		assert.False(t, outcome.Success, "series %s should report the store failure", name)
		assert.Contains(t, outcome.Error, "storage unavailable")
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func TestRefreshValuationAlert(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.ThresholdPct = 100
	notifier := &fakeNotifier{}

	svc := New(cfg, healthyFRED(), healthyMetals(), newMemStore(), notifier, zerolog.Nop())

	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "123.81", notifier.notes[0].Ratio.StringFixed(2))
	assert.Equal(t, "26000", notifier.notes[0].MarketCap.String())
}

func TestRefreshNoAlertBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.ThresholdPct = 500
	notifier := &fakeNotifier{}

	svc := New(cfg, healthyFRED(), healthyMetals(), newMemStore(), notifier, zerolog.Nop())

	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.notes)
}

// lockedStore simulates a store whose advisory lock is already held.
type lockedStore struct {
	*memStore
}

func (s *lockedStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	return nil, false, nil
}

func TestRefreshInProgress(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	svc := New(cfg, healthyFRED(), healthyMetals(), &lockedStore{newMemStore()}, nil, zerolog.Nop())

	_, err := svc.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInProgress)
}
