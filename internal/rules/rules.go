// Package rules manages the TDD and clean-code rule lists consulted by
// the intent validator. Rules live in a YAML file under the pacer home
// and carry optional file patterns limiting where they apply.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"
)

// Rule kinds.
const (
	KindTDD       = "tdd"
	KindCleanCode = "clean_code"
)

// ErrUnknownRule is returned when a modify/remove names an id that does
// not exist; admin commands surface it, hooks never trigger it.
var ErrUnknownRule = errors.New("rules: no rule with that id")

// Rule is one validation instruction. Files holds wildcard patterns
// (*.go, cmd/**); an empty list applies everywhere.
type Rule struct {
	ID    string   `yaml:"id"`
	Text  string   `yaml:"text"`
	Files []string `yaml:"files,omitempty"`
}

// Set is the full rules document.
type Set struct {
	TDD       []Rule `yaml:"tdd,omitempty"`
	CleanCode []Rule `yaml:"clean_code,omitempty"`
}

// Load reads the rules file; a missing file is an empty set.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Set{}, nil
		}
		return nil, fmt.Errorf("rules.Load: read %q: %w", path, err)
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("rules.Load: parse %q: %w", path, err)
	}
	return &s, nil
}

// Save writes the rules file atomically.
func Save(path string, s *Set) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("rules.Save: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rules.Save: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rules.Save: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rules.Save: rename %q to %q: %w", tmp, path, err)
	}
	return nil
}

// Add appends a rule of the given kind, assigning a sequential id
// (tdd-1, cc-1, ...).
func (s *Set) Add(kind, text string, files []string) (Rule, error) {
	switch kind {
	case KindTDD:
		r := Rule{ID: fmt.Sprintf("tdd-%d", nextOrdinal(s.TDD, "tdd-")), Text: text, Files: files}
		s.TDD = append(s.TDD, r)
		return r, nil
	case KindCleanCode:
		r := Rule{ID: fmt.Sprintf("cc-%d", nextOrdinal(s.CleanCode, "cc-")), Text: text, Files: files}
		s.CleanCode = append(s.CleanCode, r)
		return r, nil
	default:
		return Rule{}, fmt.Errorf("rules.Set.Add: unknown kind %q", kind)
	}
}

// Remove deletes the rule with the given id from either list.
func (s *Set) Remove(id string) error {
	if removed, rest := removeByID(s.TDD, id); removed {
		s.TDD = rest
		return nil
	}
	if removed, rest := removeByID(s.CleanCode, id); removed {
		s.CleanCode = rest
		return nil
	}
	return fmt.Errorf("rules.Set.Remove: %q: %w", id, ErrUnknownRule)
}

// Active returns the rules applying to filePath, split by kind. Rules
// without file patterns always apply.
func (s *Set) Active(filePath string) (tdd, cleanCode []Rule) {
	for _, r := range s.TDD {
		if matches(r, filePath) {
			tdd = append(tdd, r)
		}
	}
	for _, r := range s.CleanCode {
		if matches(r, filePath) {
			cleanCode = append(cleanCode, r)
		}
	}
	return tdd, cleanCode
}

// Empty reports whether the set carries no rules at all.
func (s *Set) Empty() bool {
	return len(s.TDD) == 0 && len(s.CleanCode) == 0
}

func matches(r Rule, filePath string) bool {
	if len(r.Files) == 0 {
		return true
	}
	if filePath == "" {
		return false
	}
	base := filepath.Base(filePath)
	for _, pattern := range r.Files {
		if wildcard.Match(pattern, filePath) || wildcard.Match(pattern, base) {
			return true
		}
	}
	return false
}

func removeByID(list []Rule, id string) (bool, []Rule) {
	for i, r := range list {
		if r.ID == id {
			return true, append(list[:i:i], list[i+1:]...)
		}
	}
	return false, list
}

func nextOrdinal(list []Rule, prefix string) int {
	best := 0
	for _, r := range list {
		var n int
		if _, err := fmt.Sscanf(strings.TrimPrefix(r.ID, prefix), "%d", &n); err == nil && n > best {
			best = n
		}
	}
	return best + 1
}
