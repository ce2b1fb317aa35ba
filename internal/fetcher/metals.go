package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const spotPath = "/spot"

// MetalsOptions parameterise the precious-metals fetcher.
type MetalsOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Metals fetches gold and silver spot prices from a metals.live-shaped API.
type Metals struct {
	opts    MetalsOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMetals constructs a spot-price fetcher.
func NewMetals(opts MetalsOptions, logger zerolog.Logger) *Metals {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.metals.live/v1"
	}

	return &Metals{
		opts:    opts,
		logger:  logger.With().Str("component", "metals_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type spotEntry struct {
	Gold      float64 `json:"gold"`
	Silver    float64 `json:"silver"`
	Timestamp int64   `json:"timestamp"`
}

// FetchSpot retrieves the most recent gold/silver quote. The provider
// returns an array with the latest reading first.
func (m *Metals) FetchSpot(ctx context.Context) (SpotQuote, error) {
	endpoint := m.baseURL + spotPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SpotQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "market-metrics/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return SpotQuote{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return SpotQuote{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return SpotQuote{}, fmt.Errorf("%w: metals status %d: %s", ErrUpstream, resp.StatusCode, trimPayload(payload))
	}

	var entries []spotEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return SpotQuote{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if len(entries) == 0 {
		return SpotQuote{}, fmt.Errorf("%w: empty spot response", ErrUpstream)
	}

	latest := entries[0]
	if latest.Gold <= 0 || latest.Silver <= 0 {
		return SpotQuote{}, errors.New("spot response contains non-positive prices")
	}

	ts := time.Unix(latest.Timestamp, 0).UTC()
	if latest.Timestamp <= 0 {
		ts = time.Now().UTC()
	}

	return SpotQuote{
		Gold:      decimal.NewFromFloat(latest.Gold),
		Silver:    decimal.NewFromFloat(latest.Silver),
		Timestamp: ts,
	}, nil
}

var _ SpotPriceFetcher = (*Metals)(nil)
