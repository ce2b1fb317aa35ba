package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MetricType tags a persisted series. The set is closed; anything outside
// it is rejected before touching the database.
type MetricType string

const (
	MetricBuffettIndicator MetricType = "buffett_indicator"
	MetricMarketCap        MetricType = "market_cap"
	MetricGDP              MetricType = "gdp"
	MetricSP500            MetricType = "sp500"
	MetricMortgageRate     MetricType = "mortgage_rate"
	MetricHomePriceIndex   MetricType = "home_price_index"
	MetricGold             MetricType = "gold"
	MetricSilver           MetricType = "silver"
)

// AllMetricTypes enumerates the closed set, in display order.
var AllMetricTypes = []MetricType{
	MetricBuffettIndicator,
	MetricMarketCap,
	MetricGDP,
	MetricSP500,
	MetricMortgageRate,
	MetricHomePriceIndex,
	MetricGold,
	MetricSilver,
}

// ParseMetricType validates a caller-supplied metric type string.
func ParseMetricType(s string) (MetricType, error) {
	candidate := MetricType(s)
	for _, known := range AllMetricTypes {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// Metric is one persisted observation of a tracked series. The pair
// (Type, RecordedAt) is the natural key; a later write with the same pair
// replaces the value in place.
type Metric struct {
	Type       MetricType
	Value      decimal.Decimal
	RecordedAt time.Time
	Metadata   map[string]any
	CreatedAt  time.Time
}

const (
	// MaxQueryLimit bounds any single read regardless of what the caller
	// asked for.
	MaxQueryLimit = 1000

	// DefaultQueryLimit roughly covers a year of daily points.
	DefaultQueryLimit = 365
)

// ClampLimit normalizes a requested row limit into [1, MaxQueryLimit],
// substituting the default for zero or negative requests.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
