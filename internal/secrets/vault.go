// Package secrets stores user-declared secret values and parses the
// declaration markers out of prompts.
//
// The vault is its own SQLite file, kept apart from the main store so
// it can carry a 0600 mode: every hook reads it to build the masking
// pattern, and nothing else should. Values are deduplicated by
// (type, value); emails are refused because the trace backend keys
// users by email and masking one would orphan their traces.
package secrets

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pacerhq/pacer/internal/store"
)

// MaskLiteral is the replacement text the masking engine writes. The
// vault refuses values containing it so masking stays idempotent.
const MaskLiteral = "*** MASKED ***"

// Secret types recorded by the parser.
const (
	TypeText = "text"
	TypeFile = "file"
)

// Validation failures.
var (
	ErrTooShort    = errors.New("secrets: value shorter than minimum length")
	ErrEmail       = errors.New("secrets: email addresses cannot be vaulted")
	ErrMaskLiteral = errors.New("secrets: value contains the mask literal")
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// Secret is one vaulted value.
type Secret struct {
	ID        int64
	Type      string
	Value     string
	CreatedAt time.Time
}

// Vault wraps the secrets database.
type Vault struct {
	db        *sql.DB
	path      string
	minLength int
}

// Open opens (creating if needed) the vault at path. The file carries
// mode 0600 from birth and every open re-asserts it.
func Open(path string, minLength int) (*Vault, error) {
	if minLength <= 0 {
		minLength = 6
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("secrets.Open: create dir %q: %w", dir, err)
		}
	}
	// Touch the file before SQLite does so the restrictive mode is set
	// before any secret lands in it.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("secrets.Open: create %q: %w", path, err)
	}
	f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("secrets.Open: chmod %q: %w", path, err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("secrets.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	v := &Vault{db: db, path: path, minLength: minLength}
	if err := v.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("secrets.Open: init schema: %w", err)
	}
	return v, nil
}

// Close closes the vault database.
func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) initSchema() error {
	_, err := v.db.Exec(`CREATE TABLE IF NOT EXISTS secrets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(type, value)
	)`)
	return err
}

// Validate checks whether a value may be vaulted. Values overlapping
// the mask literal in either direction are refused: masking must be
// idempotent, and a secret that matches inside replacement text would
// make a second pass rewrite it again.
func (v *Vault) Validate(value string) error {
	if len(value) < v.minLength {
		return ErrTooShort
	}
	if emailPattern.MatchString(strings.TrimSpace(value)) {
		return ErrEmail
	}
	if strings.Contains(value, MaskLiteral) || strings.Contains(MaskLiteral, value) {
		return ErrMaskLiteral
	}
	return nil
}

// Add vaults a value, reporting whether a new row was inserted. A
// duplicate (type, value) is not an error and reports false.
func (v *Vault) Add(secretType, value string) (bool, error) {
	value = strings.TrimSpace(value)
	if err := v.Validate(value); err != nil {
		return false, err
	}
	var inserted bool
	err := store.WithRetry("vault add", func() error {
		res, err := v.db.Exec(
			`INSERT OR IGNORE INTO secrets (type, value, created_at) VALUES (?, ?, ?)`,
			secretType, value, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("secrets.Vault.Add: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// All returns vaulted secrets ordered by id.
func (v *Vault) All() ([]Secret, error) {
	rows, err := v.db.Query(`SELECT id, type, value, created_at FROM secrets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("secrets.Vault.All: %w", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var (
			s       Secret
			created int64
		)
		if err := rows.Scan(&s.ID, &s.Type, &s.Value, &created); err != nil {
			return nil, fmt.Errorf("secrets.Vault.All: scan: %w", err)
		}
		s.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Values returns just the secret strings, ordered by id.
func (v *Vault) Values() ([]string, error) {
	secrets, err := v.All()
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(secrets))
	for _, s := range secrets {
		values = append(values, s.Value)
	}
	return values, nil
}

// Remove deletes one secret by id.
func (v *Vault) Remove(id int64) (bool, error) {
	var removed bool
	err := store.WithRetry("vault remove", func() error {
		res, err := v.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("secrets.Vault.Remove: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// Clear deletes every secret and returns how many were removed.
func (v *Vault) Clear() (int64, error) {
	var removed int64
	err := store.WithRetry("vault clear", func() error {
		res, err := v.db.Exec(`DELETE FROM secrets`)
		if err != nil {
			return fmt.Errorf("secrets.Vault.Clear: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// Dedupe removes rows shadowed by an earlier identical (type, value).
// The UNIQUE constraint prevents new duplicates; this cleans up vaults
// created before it existed.
func (v *Vault) Dedupe() (int64, error) {
	var removed int64
	err := store.WithRetry("vault dedupe", func() error {
		res, err := v.db.Exec(
			`DELETE FROM secrets WHERE id NOT IN
			 (SELECT MIN(id) FROM secrets GROUP BY type, value)`)
		if err != nil {
			return fmt.Errorf("secrets.Vault.Dedupe: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// Count reports the number of vaulted secrets.
func (v *Vault) Count() (int, error) {
	var n int
	if err := v.db.QueryRow(`SELECT COUNT(*) FROM secrets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("secrets.Vault.Count: %w", err)
	}
	return n, nil
}
