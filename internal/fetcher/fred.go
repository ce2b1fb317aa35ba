package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	observationsPath = "/series/observations"

	// FRED encodes "no data for this date" as a bare dot.
	missingValueSentinel = "."

	dateLayout = "2006-01-02"
)

// Well-known FRED series identifiers tracked by the dashboard.
const (
	SeriesMarketCap      = "WILL5000PRFC" // Wilshire 5000 full-cap index, market-cap proxy
	SeriesGDP            = "GDP"          // quarterly gross domestic product
	SeriesSP500          = "SP500"
	SeriesMortgage30Y    = "MORTGAGE30US"
	SeriesHomePriceIndex = "CSUSHPINSA" // Case-Shiller national home price index
)

// FREDOptions parameterise the FRED client.
type FREDOptions struct {
	BaseURL      string
	APIKey       string
	HistoryLimit int
	Timeout      time.Duration
	UserAgent    string
}

// FRED fetches observation series from the St. Louis Fed API.
type FRED struct {
	opts    FREDOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewFRED constructs a FRED series fetcher.
func NewFRED(opts FREDOptions, logger zerolog.Logger) *FRED {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stlouisfed.org/fred"
	}

	if opts.HistoryLimit <= 0 {
		// Deep enough to backfill a decade of daily observations on the
		// first run; FRED caps a single page at 100k rows anyway.
		opts.HistoryLimit = 10000
	}

	return &FRED{
		opts:    opts,
		logger:  logger.With().Str("component", "fred_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type fredObservation struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

type fredSeriesResponse struct {
	Observations []fredObservation `json:"observations"`
}

// FetchSeries retrieves one series, oldest observation first. Sentinel and
// unparseable values are dropped, never coerced to zero; the drop count is
// reported on the returned Series for diagnostics.
func (f *FRED) FetchSeries(ctx context.Context, seriesID string, opts SeriesOptions) (Series, error) {
	if f.opts.APIKey == "" {
		return Series{}, errors.New("fred api key not configured")
	}
	if seriesID == "" {
		return Series{}, errors.New("series id required")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = f.opts.HistoryLimit
	}

	params := url.Values{}
	params.Set("series_id", seriesID)
	params.Set("api_key", f.opts.APIKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "asc")
	params.Set("limit", strconv.Itoa(limit))
	if !opts.Start.IsZero() {
		params.Set("observation_start", opts.Start.Format(dateLayout))
	}
	if !opts.End.IsZero() {
		params.Set("observation_end", opts.End.Format(dateLayout))
	}

	endpoint := f.baseURL + observationsPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Series{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "market-metrics/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Series{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Series{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Series{}, fmt.Errorf("%w: fred status %d: %s", ErrUpstream, resp.StatusCode, trimPayload(payload))
	}

	var decoded fredSeriesResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Series{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	series := Series{Observations: make([]Observation, 0, len(decoded.Observations))}
	for _, raw := range decoded.Observations {
		obs, ok := normalizeObservation(raw)
		if !ok {
			series.Dropped++
			continue
		}
		series.Observations = append(series.Observations, obs)
	}

	if series.Dropped > 0 {
		f.logger.Debug().
			Str("series_id", seriesID).
			Int("dropped", series.Dropped).
			Int("kept", len(series.Observations)).
			Msg("dropped unusable observations")
	}

	return series, nil
}

// normalizeObservation converts one raw FRED row into an Observation.
// Sentinel values and anything that does not parse to a finite decimal are
// rejected.
func normalizeObservation(raw fredObservation) (Observation, bool) {
	value := strings.TrimSpace(raw.Value)
	if value == "" || value == missingValueSentinel {
		return Observation{}, false
	}

	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return Observation{}, false
	}

	date, err := time.Parse(dateLayout, raw.Date)
	if err != nil {
		return Observation{}, false
	}

	return Observation{Date: date.UTC(), Value: parsed}, true
}

func trimPayload(payload []byte) string {
	const max = 200
	s := strings.TrimSpace(string(payload))
	if len(s) > max {
		return s[:max]
	}
	return s
}

var _ SeriesFetcher = (*FRED)(nil)
