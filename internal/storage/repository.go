package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrNotFound indicates no row exists for the requested key.
	ErrNotFound = errors.New("storage: metric not found")
)

const (
	// The UNIQUE constraint on (metric_type, recorded_at) is what makes the
	// upsert idempotent; re-applying a batch converges instead of
	// accumulating duplicates.
	createMetricsSQL = `CREATE TABLE IF NOT EXISTS metrics (
        id          BIGSERIAL PRIMARY KEY,
        metric_type TEXT        NOT NULL,
        value       NUMERIC     NOT NULL,
        recorded_at TIMESTAMPTZ NOT NULL,
        metadata    JSONB,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (metric_type, recorded_at)
    );
    CREATE INDEX IF NOT EXISTS metrics_type_recorded_idx
        ON metrics (metric_type, recorded_at DESC);`

	upsertMetricSQL = `INSERT INTO metrics (
        metric_type,
        value,
        recorded_at,
        metadata
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (metric_type, recorded_at) DO UPDATE
    SET
        value    = EXCLUDED.value,
        metadata = EXCLUDED.metadata;`

	latestMetricSQL = `SELECT
        metric_type,
        value,
        recorded_at,
        metadata,
        created_at
    FROM metrics
    WHERE metric_type = $1
    ORDER BY recorded_at DESC
    LIMIT 1;`

	listMetricsSQL = `SELECT
        metric_type,
        value,
        recorded_at,
        metadata,
        created_at
    FROM metrics
    WHERE metric_type = $1
    ORDER BY recorded_at DESC
    LIMIT $2;`

	countMetricsSQL = `SELECT COUNT(*) FROM metrics;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MetricStore defines the persistence operations of the dashboard.
type MetricStore interface {
	UpsertMetric(ctx context.Context, metric Metric) error
	UpsertMetrics(ctx context.Context, metrics []Metric) error
	LatestMetric(ctx context.Context, metricType MetricType) (Metric, error)
	ListMetrics(ctx context.Context, metricType MetricType, limit int) ([]Metric, error)
	CountMetrics(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers used to serialize
// overlapping refresh runs.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists Metric rows in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the metrics schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, createMetricsSQL); execErr != nil {
		return fmt.Errorf("migrate metrics schema: %w", execErr)
	}
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertMetric writes a single metric, replacing any existing row with the
// same (metric_type, recorded_at) key.
func (s *Store) UpsertMetric(ctx context.Context, metric Metric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metadata, err := encodeMetadata(metric.Metadata)
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertMetricSQL,
		string(metric.Type),
		metric.Value.String(),
		metric.RecordedAt.UTC(),
		metadata,
	); execErr != nil {
		return fmt.Errorf("upsert metric: %w", execErr)
	}
	return nil
}

// UpsertMetrics applies a batch of upserts inside one transaction. Either
// the whole batch lands or none of it does: any engine error rolls the
// transaction back and the batch is reported failed, so callers can retry
// the entire run without reasoning about partial state. Re-applying the
// same batch converges (no duplicate rows, no drift).
func (s *Store) UpsertMetrics(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, metric := range metrics {
		metadata, encErr := encodeMetadata(metric.Metadata)
		if encErr != nil {
			return encErr
		}
		batch.Queue(upsertMetricSQL,
			string(metric.Type),
			metric.Value.String(),
			metric.RecordedAt.UTC(),
			metadata,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range metrics {
		if _, execErr := results.Exec(); execErr != nil {
			results.Close()
			return fmt.Errorf("upsert metrics batch: %w", execErr)
		}
	}
	if closeErr := results.Close(); closeErr != nil {
		return fmt.Errorf("close upsert batch: %w", closeErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit upsert batch: %w", commitErr)
	}
	return nil
}

// LatestMetric returns the most recent row of a series, or ErrNotFound.
func (s *Store) LatestMetric(ctx context.Context, metricType MetricType) (Metric, error) {
	pool, err := s.getPool()
	if err != nil {
		return Metric{}, err
	}

	row := pool.QueryRow(ctx, latestMetricSQL, string(metricType))
	metric, scanErr := scanMetric(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Metric{}, ErrNotFound
		}
		return Metric{}, scanErr
	}
	return metric, nil
}

// ListMetrics returns up to limit rows of a series, newest first. The limit
// is clamped server-side regardless of what the caller requested.
func (s *Store) ListMetrics(ctx context.Context, metricType MetricType, limit int) ([]Metric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit = ClampLimit(limit)

	rows, queryErr := pool.Query(ctx, listMetricsSQL, string(metricType), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list metrics: %w", queryErr)
	}
	defer rows.Close()

	metrics := make([]Metric, 0, limit)
	for rows.Next() {
		metric, scanErr := scanMetric(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		metrics = append(metrics, metric)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return metrics, nil
}

// CountMetrics counts stored rows across all series.
func (s *Store) CountMetrics(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countMetricsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count metrics: %w", scanErr)
	}
	return count, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func. Used to keep a scheduled refresh and a manually triggered
// one from interleaving.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; the lock dies with the connection anyway
		}
		conn.Release()
	}
	return unlock, true, nil
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metric metadata: %w", err)
	}
	return encoded, nil
}

func scanMetric(row pgx.Row) (Metric, error) {
	var (
		metricType string
		valueStr   string
		recordedAt time.Time
		metadata   []byte
		createdAt  time.Time
	)

	if err := row.Scan(&metricType, &valueStr, &recordedAt, &metadata, &createdAt); err != nil {
		return Metric{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return Metric{}, fmt.Errorf("parse metric value: %w", err)
	}

	metric := Metric{
		Type:       MetricType(metricType),
		Value:      value,
		RecordedAt: recordedAt,
		CreatedAt:  createdAt,
	}

	if len(metadata) > 0 {
		decoded := map[string]any{}
		if err := json.Unmarshal(metadata, &decoded); err != nil {
			return Metric{}, fmt.Errorf("decode metric metadata: %w", err)
		}
		metric.Metadata = decoded
	}

	return metric, nil
}

var (
	_ MetricStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
