package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()
	// Second open re-runs schema creation against existing tables.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	latest, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("latest on empty: %v", err)
	}
	if latest != nil {
		t.Fatal("expected nil snapshot on empty store")
	}

	resets := time.Now().Add(2 * time.Hour).Truncate(time.Second).UTC()
	snap := Snapshot{
		TakenAt:          time.Now().Truncate(time.Second).UTC(),
		FiveHourUtil:     75.5,
		FiveHourResetsAt: &resets,
		SevenDayUtil:     40,
		Raw:              `{"five_hour":{"utilization":75.5}}`,
	}
	if err := s.InsertSnapshot(snap); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if got.FiveHourUtil != 75.5 {
		t.Errorf("five hour util = %v", got.FiveHourUtil)
	}
	if got.FiveHourResetsAt == nil || !got.FiveHourResetsAt.Equal(resets) {
		t.Errorf("five hour resets = %v, want %v", got.FiveHourResetsAt, resets)
	}
	if got.SevenDayResetsAt != nil {
		t.Errorf("seven day resets should be nil, got %v", got.SevenDayResetsAt)
	}
}

func TestPurgeSnapshots(t *testing.T) {
	s := openTestStore(t)
	old := Snapshot{TakenAt: time.Now().Add(-100 * 24 * time.Hour)}
	fresh := Snapshot{TakenAt: time.Now()}
	for _, snap := range []Snapshot{old, fresh} {
		if err := s.InsertSnapshot(snap); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PurgeSnapshots(time.Now().Add(-60 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	n, err := s.SnapshotCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	d := Decision{
		DecidedAt:         time.Now().Truncate(time.Second).UTC(),
		ShouldThrottle:    true,
		DelaySeconds:      350,
		ConstrainedWindow: WindowFiveHour,
		Deviation:         18,
		FiveHourTarget:    57,
		FiveHourActual:    75,
	}
	if err := s.InsertDecision(d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.LatestDecision()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || !got.ShouldThrottle || got.DelaySeconds != 350 {
		t.Errorf("decision = %+v", got)
	}
	if got.ConstrainedWindow != WindowFiveHour || got.Deviation != 18 {
		t.Errorf("window/deviation = %q/%v", got.ConstrainedWindow, got.Deviation)
	}
}

func TestBlockageCategoriesNormalized(t *testing.T) {
	s := openTestStore(t)

	for _, b := range []Blockage{
		{SessionID: "s1", Category: CategoryPacingQuota, SourceHook: "post_tool_use"},
		{SessionID: "s1", Category: Category("made_up"), SourceHook: "stop"},
		{SessionID: "s1", Category: CategoryIntentValidationTDD, SourceHook: "pre_tool_use", ToolName: "Write"},
	} {
		if err := s.InsertBlockage(b); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.RecentBlockages(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	// Newest first; the unknown category was coerced.
	if got[1].Category != CategoryOther {
		t.Errorf("unknown category stored as %q, want other", got[1].Category)
	}
	if got[0].Category != CategoryIntentValidationTDD || got[0].ToolName != "Write" {
		t.Errorf("newest = %+v", got[0])
	}

	counts, err := s.CountBlockagesSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if counts[CategoryOther] != 1 || counts[CategoryPacingQuota] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestWithRetryPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := WithRetry("test", func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("non-lock error retried %d times", calls)
	}
}

func TestWithRetryRetriesLockErrors(t *testing.T) {
	calls := 0
	err := WithRetry("test", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
