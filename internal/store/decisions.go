package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Window names recorded on decisions.
const (
	WindowFiveHour = "five_hour"
	WindowSevenDay = "seven_day"
)

// Decision is one pacing verdict derived from a snapshot.
type Decision struct {
	ID                int64
	DecidedAt         time.Time
	ShouldThrottle    bool
	DelaySeconds      float64
	ConstrainedWindow string
	Deviation         float64
	FiveHourTarget    float64
	FiveHourActual    float64
	SevenDayTarget    float64
	SevenDayActual    float64
}

// InsertDecision records a pacing verdict.
func (s *Store) InsertDecision(d Decision) error {
	return WithRetry("insert decision", func() error {
		_, err := s.db.Exec(
			`INSERT INTO pacing_decisions
			 (decided_at, should_throttle, delay_seconds, constrained_window, deviation,
			  five_hour_target, five_hour_actual, seven_day_target, seven_day_actual)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DecidedAt.Unix(),
			boolToInt(d.ShouldThrottle),
			d.DelaySeconds,
			d.ConstrainedWindow,
			d.Deviation,
			d.FiveHourTarget,
			d.FiveHourActual,
			d.SevenDayTarget,
			d.SevenDayActual,
		)
		if err != nil {
			return fmt.Errorf("store.Store.InsertDecision: %w", err)
		}
		return nil
	})
}

// LatestDecision returns the most recent verdict, or nil when none exists.
func (s *Store) LatestDecision() (*Decision, error) {
	rows, err := s.RecentDecisions(1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RecentDecisions returns up to n verdicts, newest first.
func (s *Store) RecentDecisions(n int) ([]Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, decided_at, should_throttle, delay_seconds, constrained_window, deviation,
		        five_hour_target, five_hour_actual, seven_day_target, seven_day_actual
		 FROM pacing_decisions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store.Store.RecentDecisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d        Decision
			decided  int64
			throttle int
		)
		if err := rows.Scan(&d.ID, &decided, &throttle, &d.DelaySeconds, &d.ConstrainedWindow,
			&d.Deviation, &d.FiveHourTarget, &d.FiveHourActual, &d.SevenDayTarget, &d.SevenDayActual); err != nil {
			return nil, fmt.Errorf("store.Store.RecentDecisions: scan: %w", err)
		}
		d.DecidedAt = time.Unix(decided, 0).UTC()
		d.ShouldThrottle = throttle != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
