// Package metrics maintains 15-minute bucketed activity counters with a
// rolling 24-hour retention.
//
// Buckets live in the main pacer database so every short-lived hook can
// increment them without extra file handles. Retention is enforced
// inline: each increment purges buckets older than 24 hours, so the
// tables stay bounded without a background process.
package metrics

import (
	"fmt"
	"time"

	"github.com/pacerhq/pacer/internal/store"
)

const (
	// BucketSeconds aligns bucket starts to quarter hours.
	BucketSeconds = 900
	// RetentionSeconds bounds how far back buckets are kept.
	RetentionSeconds = 86400
)

// Metric names recorded by the hooks.
const (
	MetricSessions  = "sessions"
	MetricTraces    = "traces"
	MetricSpans     = "spans"
	MetricMaskCalls = "mask_calls"
	MetricNudges    = "nudges"
)

var validMetrics = map[string]bool{
	MetricSessions:  true,
	MetricTraces:    true,
	MetricSpans:     true,
	MetricMaskCalls: true,
	MetricNudges:    true,
}

// Recorder wraps the bucket tables of a pacer store.
type Recorder struct {
	store *store.Store
	nowFn func() time.Time
}

// New returns a Recorder writing through the given store.
func New(s *store.Store) *Recorder {
	return &Recorder{store: s, nowFn: time.Now}
}

// BucketStart aligns t down to its 15-minute bucket.
func BucketStart(t time.Time) int64 {
	u := t.Unix()
	return u - u%BucketSeconds
}

// Increment adds delta to the metric's current bucket, then enforces
// retention. Unknown metric names fail fast; zero and negative deltas
// are dropped.
func (r *Recorder) Increment(metric string, delta float64) error {
	if !validMetrics[metric] {
		return fmt.Errorf("metrics.Recorder.Increment: unknown metric %q", metric)
	}
	if delta <= 0 {
		return nil
	}
	now := r.nowFn()
	bucket := BucketStart(now)
	err := store.WithRetry("increment metric", func() error {
		_, err := r.store.DB().Exec(
			`INSERT INTO metrics_buckets (metric, bucket_start, value) VALUES (?, ?, ?)
			 ON CONFLICT(metric, bucket_start) DO UPDATE SET value = value + excluded.value`,
			metric, bucket, delta)
		if err != nil {
			return fmt.Errorf("metrics.Recorder.Increment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.purge(now)
}

// IncrementSecretsMasked adds n to the parallel secrets-masked bucket.
func (r *Recorder) IncrementSecretsMasked(n int) error {
	if n <= 0 {
		return nil
	}
	now := r.nowFn()
	bucket := BucketStart(now)
	err := store.WithRetry("increment secrets masked", func() error {
		_, err := r.store.DB().Exec(
			`INSERT INTO secrets_masked_buckets (bucket_start, count) VALUES (?, ?)
			 ON CONFLICT(bucket_start) DO UPDATE SET count = count + excluded.count`,
			bucket, n)
		if err != nil {
			return fmt.Errorf("metrics.Recorder.IncrementSecretsMasked: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.purge(now)
}

func (r *Recorder) purge(now time.Time) error {
	cutoff := now.Unix() - RetentionSeconds
	return store.WithRetry("purge metric buckets", func() error {
		if _, err := r.store.DB().Exec(
			`DELETE FROM metrics_buckets WHERE bucket_start < ?`, cutoff); err != nil {
			return fmt.Errorf("metrics.Recorder.purge: %w", err)
		}
		if _, err := r.store.DB().Exec(
			`DELETE FROM secrets_masked_buckets WHERE bucket_start < ?`, cutoff); err != nil {
			return fmt.Errorf("metrics.Recorder.purge: %w", err)
		}
		return nil
	})
}

// Total24h sums a metric across the retention window.
func (r *Recorder) Total24h(metric string) (float64, error) {
	cutoff := r.nowFn().Unix() - RetentionSeconds
	var total float64
	err := r.store.DB().QueryRow(
		`SELECT COALESCE(SUM(value), 0) FROM metrics_buckets WHERE metric = ? AND bucket_start >= ?`,
		metric, cutoff).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metrics.Recorder.Total24h: %w", err)
	}
	return total, nil
}

// SecretsMasked24h sums the parallel table across the retention window.
func (r *Recorder) SecretsMasked24h() (int, error) {
	cutoff := r.nowFn().Unix() - RetentionSeconds
	var total int
	err := r.store.DB().QueryRow(
		`SELECT COALESCE(SUM(count), 0) FROM secrets_masked_buckets WHERE bucket_start >= ?`,
		cutoff).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("metrics.Recorder.SecretsMasked24h: %w", err)
	}
	return total, nil
}

// Point is one bucket of a metric series.
type Point struct {
	BucketStart int64
	Value       float64
}

// Series24h returns the metric's buckets in chronological order.
func (r *Recorder) Series24h(metric string) ([]Point, error) {
	cutoff := r.nowFn().Unix() - RetentionSeconds
	rows, err := r.store.DB().Query(
		`SELECT bucket_start, value FROM metrics_buckets
		 WHERE metric = ? AND bucket_start >= ? ORDER BY bucket_start`,
		metric, cutoff)
	if err != nil {
		return nil, fmt.Errorf("metrics.Recorder.Series24h: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.BucketStart, &p.Value); err != nil {
			return nil, fmt.Errorf("metrics.Recorder.Series24h: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
