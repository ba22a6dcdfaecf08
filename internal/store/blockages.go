package store

import (
	"fmt"
	"time"
)

// Category classifies why a hook blocked or throttled the host.
type Category string

const (
	CategoryIntentValidation          Category = "intent_validation"
	CategoryIntentValidationTDD       Category = "intent_validation_tdd"
	CategoryIntentValidationCleanCode Category = "intent_validation_cleancode"
	CategoryPacingTempo               Category = "pacing_tempo"
	CategoryPacingQuota               Category = "pacing_quota"
	CategoryOther                     Category = "other"
)

// NormalizeCategory coerces unknown inputs to CategoryOther so the
// column stays a closed enum.
func NormalizeCategory(v string) Category {
	switch Category(v) {
	case CategoryIntentValidation, CategoryIntentValidationTDD,
		CategoryIntentValidationCleanCode, CategoryPacingTempo,
		CategoryPacingQuota, CategoryOther:
		return Category(v)
	default:
		return CategoryOther
	}
}

// Blockage records one blocking or throttling intervention.
type Blockage struct {
	ID         int64
	OccurredAt time.Time
	SessionID  string
	Category   Category
	SourceHook string
	Reason     string
	ToolName   string
}

// InsertBlockage records an intervention.
func (s *Store) InsertBlockage(b Blockage) error {
	if b.OccurredAt.IsZero() {
		b.OccurredAt = time.Now()
	}
	b.Category = NormalizeCategory(string(b.Category))
	return WithRetry("insert blockage", func() error {
		_, err := s.db.Exec(
			`INSERT INTO blockages (occurred_at, session_id, category, source_hook, reason, tool_name)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.OccurredAt.Unix(), b.SessionID, string(b.Category), b.SourceHook, b.Reason, b.ToolName)
		if err != nil {
			return fmt.Errorf("store.Store.InsertBlockage: %w", err)
		}
		return nil
	})
}

// RecentBlockages returns up to n interventions, newest first.
func (s *Store) RecentBlockages(n int) ([]Blockage, error) {
	rows, err := s.db.Query(
		`SELECT id, occurred_at, session_id, category, source_hook, reason, tool_name
		 FROM blockages ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store.Store.RecentBlockages: %w", err)
	}
	defer rows.Close()

	var out []Blockage
	for rows.Next() {
		var (
			b        Blockage
			occurred int64
			category string
		)
		if err := rows.Scan(&b.ID, &occurred, &b.SessionID, &category, &b.SourceHook, &b.Reason, &b.ToolName); err != nil {
			return nil, fmt.Errorf("store.Store.RecentBlockages: scan: %w", err)
		}
		b.OccurredAt = time.Unix(occurred, 0).UTC()
		b.Category = Category(category)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBlockagesSince tallies interventions per category since t.
func (s *Store) CountBlockagesSince(t time.Time) (map[Category]int, error) {
	rows, err := s.db.Query(
		`SELECT category, COUNT(*) FROM blockages WHERE occurred_at >= ? GROUP BY category`,
		t.Unix())
	if err != nil {
		return nil, fmt.Errorf("store.Store.CountBlockagesSince: %w", err)
	}
	defer rows.Close()

	out := make(map[Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("store.Store.CountBlockagesSince: scan: %w", err)
		}
		out[Category(category)] = n
	}
	return out, rows.Err()
}
