// Package align pairs a fine-grained observation series with a
// coarser-grained one via a backward-looking "as-of" join and derives a
// percentage ratio. Economic aggregates such as GDP are published with a
// lag, so the denominator for a given date is the most recently known
// coarse value at or before that date, never a future one.
package align

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"market-metrics/internal/fetcher"
)

var hundred = decimal.NewFromInt(100)

// Ratio is one aligned record: a fine observation paired with its as-of
// denominator. Ratio = Numerator / Denominator * 100.
type Ratio struct {
	Date        time.Time
	Numerator   decimal.Decimal
	Denominator decimal.Decimal
	Ratio       decimal.Decimal
}

// AsOfRatios aligns each fine observation with the latest coarse
// observation dated at or before it and emits the percentage ratio.
//
// Neither input needs to be sorted; the coarse series is copied and sorted
// internally. Fine observations with no eligible denominator, or whose
// denominator is not strictly positive, are skipped rather than zero-filled
// (no Inf/NaN records are ever produced). When coarse observations share a
// date the one sorted last wins.
func AsOfRatios(fine, coarse []fetcher.Observation) []Ratio {
	if len(fine) == 0 || len(coarse) == 0 {
		return nil
	}

	sorted := make([]fetcher.Observation, len(coarse))
	copy(sorted, coarse)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	out := make([]Ratio, 0, len(fine))
	for _, obs := range fine {
		denom, ok := asOf(sorted, obs.Date)
		if !ok {
			continue
		}
		if denom.Value.Sign() <= 0 {
			continue
		}

		out = append(out, Ratio{
			Date:        obs.Date,
			Numerator:   obs.Value,
			Denominator: denom.Value,
			Ratio:       obs.Value.Div(denom.Value).Mul(hundred),
		})
	}
	return out
}

// asOf binary-searches the sorted coarse series for the latest observation
// dated at or before t.
func asOf(sorted []fetcher.Observation, t time.Time) (fetcher.Observation, bool) {
	// First index strictly after t; the eligible observation sits just
	// before it. Picking idx-1 also resolves duplicate dates in favour of
	// the last one in sort order.
	idx := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].Date.After(t)
	})
	if idx == 0 {
		return fetcher.Observation{}, false
	}
	return sorted[idx-1], true
}
