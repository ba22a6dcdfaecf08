// Package statefile persists hook coordination state as JSON files.
//
// Hook processes are ephemeral; everything they need to coordinate
// lives in small JSON documents under the pacer home. Writes are
// atomic (temp file then rename) so a killed hook never leaves a
// half-written document behind. Loads of missing files return zero
// values: first contact with a fresh session is not an error.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Save atomically writes v as indented JSON to path.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile.Save: marshal %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("statefile.Save: create dir for %q: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statefile.Save: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		renameErr := fmt.Errorf("statefile.Save: rename %q to %q: %w", tmp, path, err)
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return errors.Join(renameErr, fmt.Errorf("statefile.Save: cleanup %q: %w", tmp, rmErr))
		}
		return renameErr
	}
	return nil
}

// Load reads JSON from path into dst. It reports whether the file
// existed; a missing file leaves dst untouched and returns (false, nil).
func Load(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("statefile.Load: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("statefile.Load: parse %q: %w", path, err)
	}
	return true, nil
}

// Remove deletes a state file, tolerating absence.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statefile.Remove: %q: %w", path, err)
	}
	return nil
}
