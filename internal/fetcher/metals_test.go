package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetalsFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"gold": 2650.0, "silver": 31.5, "timestamp": 1735689600},
			{"gold": 2640.0, "silver": 31.0, "timestamp": 1735603200},
		})
	}))
	defer srv.Close()

	m := NewMetals(MetalsOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	quote, err := m.FetchSpot(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got := quote.Gold.String(); got != "2650" {
		t.Fatalf("expected gold 2650, got %s", got)
	}
	if got := quote.Silver.String(); got != "31.5" {
		t.Fatalf("expected silver 31.5, got %s", got)
	}
	if quote.Timestamp.IsZero() {
		t.Fatal("timestamp should be set")
	}
}

func TestMetalsFetchEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	m := NewMetals(MetalsOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	if _, err := m.FetchSpot(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Fatalf("empty spot response should wrap ErrUpstream, got %v", err)
	}
}

func TestMetalsFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMetals(MetalsOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	if _, err := m.FetchSpot(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Fatalf("HTTP 503 should wrap ErrUpstream, got %v", err)
	}
}

func TestMetalsFetchNonPositivePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"gold": 0.0, "silver": 31.5, "timestamp": 1735689600},
		})
	}))
	defer srv.Close()

	m := NewMetals(MetalsOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	if _, err := m.FetchSpot(context.Background()); err == nil {
		t.Fatal("non-positive prices should return an error")
	}
}
