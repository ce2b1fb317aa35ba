package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"market-metrics/internal/service"
	"market-metrics/internal/storage"
)

// Handler serves the metrics API routes.
type Handler struct {
	store     storage.MetricStore
	refresher Refresher
	secret    string
	logger    zerolog.Logger
}

// RegisterRoutes registers all metrics API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics/{type}", h.HandleGetMetrics)
		r.Post("/refresh", h.HandleRefresh)
	})
	r.Get("/healthz", h.HandleHealth)
}

type metricPayload struct {
	MetricType string         `json:"metric_type"`
	Value      string         `json:"value"`
	RecordedAt string         `json:"recorded_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func toPayload(metric storage.Metric) metricPayload {
	return metricPayload{
		MetricType: string(metric.Type),
		Value:      metric.Value.String(),
		RecordedAt: metric.RecordedAt.UTC().Format(time.RFC3339),
		Metadata:   metric.Metadata,
		CreatedAt:  metric.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// HandleGetMetrics serves GET /api/metrics/{type}. An unknown metric type
// is a client error answered before any storage access; limit is clamped
// server-side regardless of what was requested.
func (h *Handler) HandleGetMetrics(w http.ResponseWriter, r *http.Request) {
	metricType, err := storage.ParseMetricType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid metric type",
			"validTypes": storage.AllMetricTypes,
		})
		return
	}

	query := r.URL.Query()

	if query.Get("latest") == "true" {
		metric, err := h.store.LatestMetric(r.Context(), metricType)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "no data available"})
				return
			}
			h.logger.Error().Err(err).Str("metric_type", string(metricType)).Msg("latest metric lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch metrics"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": toPayload(metric)})
		return
	}

	limit := storage.DefaultQueryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}
	limit = storage.ClampLimit(limit)

	metrics, err := h.store.ListMetrics(r.Context(), metricType, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("metric_type", string(metricType)).Msg("metric listing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch metrics"})
		return
	}

	payload := make([]metricPayload, 0, len(metrics))
	for _, metric := range metrics {
		payload = append(payload, toPayload(metric))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       payload,
		"count":      len(payload),
		"metricType": string(metricType),
	})
}

// HandleRefresh serves POST /api/refresh. The shared-secret check runs
// before any fetch or store work; a run that completes always answers with
// the structured per-series report, partial failures included.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	report, err := h.refresher.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrRefreshInProgress) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "refresh already in progress"})
			return
		}
		h.logger.Error().Err(err).Msg("refresh run failed to start")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"allSeries": report.AllSucceeded(),
		"results":   report.Results,
		"timestamp": report.FinishedAt.Format(time.RFC3339),
	})
}

// HandleHealth reports liveness plus the stored row count.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountMetrics(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "metrics": count})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
