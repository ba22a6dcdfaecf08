package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one observation of upstream quota utilization. A nil
// resets-at means the corresponding window is not engaged.
type Snapshot struct {
	ID               int64
	TakenAt          time.Time
	FiveHourUtil     float64
	FiveHourResetsAt *time.Time
	SevenDayUtil     float64
	SevenDayResetsAt *time.Time
	Raw              string
}

// InsertSnapshot records a usage observation.
func (s *Store) InsertSnapshot(snap Snapshot) error {
	return WithRetry("insert snapshot", func() error {
		_, err := s.db.Exec(
			`INSERT INTO usage_snapshots
			 (taken_at, five_hour_util, five_hour_resets_at, seven_day_util, seven_day_resets_at, raw)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			snap.TakenAt.Unix(),
			snap.FiveHourUtil,
			unixOrNil(snap.FiveHourResetsAt),
			snap.SevenDayUtil,
			unixOrNil(snap.SevenDayResetsAt),
			snap.Raw,
		)
		if err != nil {
			return fmt.Errorf("store.Store.InsertSnapshot: %w", err)
		}
		return nil
	})
}

// LatestSnapshot returns the most recent observation, or nil when the
// table is empty.
func (s *Store) LatestSnapshot() (*Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, taken_at, five_hour_util, five_hour_resets_at,
		        seven_day_util, seven_day_resets_at, raw
		 FROM usage_snapshots ORDER BY id DESC LIMIT 1`)

	var (
		snap     Snapshot
		taken    int64
		fiveRst  sql.NullInt64
		sevenRst sql.NullInt64
		raw      sql.NullString
	)
	err := row.Scan(&snap.ID, &taken, &snap.FiveHourUtil, &fiveRst,
		&snap.SevenDayUtil, &sevenRst, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Store.LatestSnapshot: %w", err)
	}
	snap.TakenAt = time.Unix(taken, 0).UTC()
	snap.FiveHourResetsAt = timeFromUnix(fiveRst)
	snap.SevenDayResetsAt = timeFromUnix(sevenRst)
	snap.Raw = raw.String
	return &snap, nil
}

// PurgeSnapshots deletes observations older than cutoff and returns the
// number removed.
func (s *Store) PurgeSnapshots(cutoff time.Time) (int64, error) {
	var removed int64
	err := WithRetry("purge snapshots", func() error {
		res, err := s.db.Exec(`DELETE FROM usage_snapshots WHERE taken_at < ?`, cutoff.Unix())
		if err != nil {
			return fmt.Errorf("store.Store.PurgeSnapshots: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// SnapshotCount reports the number of stored observations.
func (s *Store) SnapshotCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM usage_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.Store.SnapshotCount: %w", err)
	}
	return n, nil
}
