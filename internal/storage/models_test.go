package storage

import "testing"

func TestParseMetricType(t *testing.T) {
	for _, known := range AllMetricTypes {
		parsed, err := ParseMetricType(string(known))
		if err != nil {
			t.Fatalf("known type %q rejected: %v", known, err)
		}
		if parsed != known {
			t.Fatalf("expected %q, got %q", known, parsed)
		}
	}

	for _, invalid := range []string{"", "bitcoin", "BUFFETT_INDICATOR", "gold "} {
		if _, err := ParseMetricType(invalid); err == nil {
			t.Fatalf("expected %q to be rejected", invalid)
		}
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, DefaultQueryLimit},
		{-10, DefaultQueryLimit},
		{1, 1},
		{365, 365},
		{1000, 1000},
		{1001, MaxQueryLimit},
		{5000, MaxQueryLimit},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
