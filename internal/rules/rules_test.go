package rules

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmptySet(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "rules.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Empty() {
		t.Errorf("set = %+v, want empty", s)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	s := &Set{}
	if _, err := s.Add(KindTDD, "write the failing test first", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(KindCleanCode, "no naked returns", []string{"*.go"}); err != nil {
		t.Fatal(err)
	}
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.TDD) != 1 || got.TDD[0].ID != "tdd-1" || got.TDD[0].Text != "write the failing test first" {
		t.Errorf("tdd = %+v", got.TDD)
	}
	if len(got.CleanCode) != 1 || got.CleanCode[0].ID != "cc-1" {
		t.Errorf("clean code = %+v", got.CleanCode)
	}
	if got.CleanCode[0].Files[0] != "*.go" {
		t.Errorf("files = %v", got.CleanCode[0].Files)
	}
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	s := &Set{}
	r1, _ := s.Add(KindTDD, "a", nil)
	r2, _ := s.Add(KindTDD, "b", nil)
	if r1.ID != "tdd-1" || r2.ID != "tdd-2" {
		t.Errorf("ids = %q, %q", r1.ID, r2.ID)
	}

	// Removal must not recycle ids.
	if err := s.Remove("tdd-1"); err != nil {
		t.Fatal(err)
	}
	r3, _ := s.Add(KindTDD, "c", nil)
	if r3.ID != "tdd-3" {
		t.Errorf("id after removal = %q, want tdd-3", r3.ID)
	}
}

func TestAddUnknownKind(t *testing.T) {
	s := &Set{}
	if _, err := s.Add("security", "x", nil); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestRemoveUnknownID(t *testing.T) {
	s := &Set{}
	s.Add(KindTDD, "a", nil)
	err := s.Remove("cc-9")
	if !errors.Is(err, ErrUnknownRule) {
		t.Errorf("err = %v, want ErrUnknownRule", err)
	}
}

func TestActiveFiltersByFilePattern(t *testing.T) {
	s := &Set{}
	s.Add(KindTDD, "always applies", nil)
	s.Add(KindTDD, "go files only", []string{"*.go"})
	s.Add(KindCleanCode, "handlers only", []string{"*/handlers/*"})

	tdd, cc := s.Active("/repo/internal/handlers/login.go")
	if len(tdd) != 2 {
		t.Errorf("tdd rules = %d, want 2 (base name matches *.go)", len(tdd))
	}
	if len(cc) != 1 {
		t.Errorf("clean code rules = %d, want 1", len(cc))
	}

	tdd, cc = s.Active("/repo/README.md")
	if len(tdd) != 1 || tdd[0].Text != "always applies" {
		t.Errorf("tdd rules for md = %+v", tdd)
	}
	if len(cc) != 0 {
		t.Errorf("clean code rules for md = %+v", cc)
	}
}

func TestActiveEmptyFilePathSkipsPatternRules(t *testing.T) {
	s := &Set{}
	s.Add(KindTDD, "unpatterned", nil)
	s.Add(KindTDD, "patterned", []string{"*.go"})

	tdd, _ := s.Active("")
	if len(tdd) != 1 || tdd[0].Text != "unpatterned" {
		t.Errorf("tdd = %+v", tdd)
	}
}
