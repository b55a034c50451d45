// Package observability records engine metrics as a SQLite timeseries.
//
// Persistence is async and non-blocking: datapoints are buffered and flushed
// in one transaction per interval or when the buffer fills. A failed flush
// is logged and the batch dropped; it never applies backpressure to the
// caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/kwrank/connectivity"
	"github.com/hazyhaar/kwrank/dbopen"
)

// Metric names written by the engine.
const (
	MetricBatchCacheHitRate  = "batch_cache_hit_rate"
	MetricBatchSuccessRate   = "batch_success_rate"
	MetricBatchDegraded      = "batch_degraded"
	MetricBatchCombos        = "batch_combos"
	MetricCacheWriteFailures = "cache_write_failures"
	MetricUpstreamLatencyMs  = "upstream_latency_ms"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit"` // "ratio", "count", "milliseconds", "bool"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
	closed sync.Once
}

// Option configures a MetricsManager.
type Option func(*MetricsManager)

// WithClock sets the time source for RecordSimple and the middleware.
func WithClock(fn func() time.Time) Option {
	return func(mm *MetricsManager) { mm.now = fn }
}

// NewMetricsManager starts a manager on db, which must carry Schema.
// Zero values default to bufferSize=100 and flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger, opts ...Option) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		now:           time.Now,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mm)
	}
	go mm.flushLoop()
	return mm
}

// Record queues m. A zero Timestamp takes the manager's clock.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = mm.now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple queues a datapoint with optional labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: value, Unit: unit, Labels: labels})
}

// Flush writes buffered datapoints now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Middleware times every call through the connectivity chain as
// upstream_latency_ms, labelled with service and outcome ("ok" or "error").
func (mm *MetricsManager) Middleware(service string) connectivity.HandlerMiddleware {
	return func(next connectivity.Handler) connectivity.Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := mm.now()
			resp, err := next(ctx, payload)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			mm.RecordSimple(MetricUpstreamLatencyMs, float64(mm.now().Sub(start).Milliseconds()),
				"milliseconds", map[string]string{"service": service, "outcome": outcome})
			return resp, err
		}
	}
}

// Query returns datapoints newest first. An empty name matches every
// metric; zero times leave the range open; limit <= 0 is unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, from, to time.Time, limit int) ([]*Metric, error) {
	q := sq.Select("metric_name", "ts_ms", "value", "labels", "unit").
		From("metrics_timeseries").
		OrderBy("ts_ms DESC", "metric_id DESC")
	if name != "" {
		q = q.Where(sq.Eq{"metric_name": name})
	}
	if !from.IsZero() {
		q = q.Where(sq.GtOrEq{"ts_ms": from.UnixMilli()})
	}
	if !to.IsZero() {
		q = q.Where(sq.LtOrEq{"ts_ms": to.UnixMilli()})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("observability: build query: %w", err)
	}

	rows, err := mm.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// PruneBefore deletes datapoints older than day (YYYY-MM-DD, UTC) and
// reports how many went.
func (mm *MetricsManager) PruneBefore(ctx context.Context, day string) (int64, error) {
	cutoff, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return 0, fmt.Errorf("observability: prune: %w", err)
	}
	res, err := dbopen.Exec(ctx, mm.db, `DELETE FROM metrics_timeseries WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining datapoints and stops the flush loop. Safe to
// call more than once.
func (mm *MetricsManager) Close() error {
	mm.closed.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, ts_ms, value, labels, unit) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: flush metrics", "dropped", len(batch), "error", err)
	}
}
