package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUpstream marks failures of the external data provider (network error,
// non-2xx status, malformed body). Callers can errors.Is against it to
// distinguish a provider outage from a local problem.
var ErrUpstream = errors.New("upstream provider unavailable")

// Observation is one normalized data point of a time series.
type Observation struct {
	Date  time.Time
	Value decimal.Decimal
}

// Series is the result of one fetch: observations ordered oldest-first plus
// the number of raw points dropped during normalization (missing-value
// sentinels and unparseable values).
type Series struct {
	Observations []Observation
	Dropped      int
}

// SeriesOptions bound the observation window of a fetch. Zero values mean
// "provider default"; Limit falls back to the client's configured history
// depth.
type SeriesOptions struct {
	Start time.Time
	End   time.Time
	Limit int
}

// SpotQuote carries one gold/silver spot reading.
type SpotQuote struct {
	Gold      decimal.Decimal
	Silver    decimal.Decimal
	Timestamp time.Time
}

// SeriesFetcher retrieves a named economic time series.
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, seriesID string, opts SeriesOptions) (Series, error)
}

// SpotPriceFetcher retrieves current precious-metal spot prices.
type SpotPriceFetcher interface {
	FetchSpot(ctx context.Context) (SpotQuote, error)
}
