package statefile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionInfo is the registry entry written at session start, read by
// the status command.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	Source         string    `json:"source,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// SessionPath returns the registry file for a session.
func SessionPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// SaveSession writes the registry entry.
func SaveSession(dir string, info SessionInfo) error {
	return Save(SessionPath(dir, info.SessionID), info)
}

// ListSessions returns registry entries, newest first. Unreadable
// entries are skipped.
func ListSessions(dir string) []SessionInfo {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var sessions []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var info SessionInfo
		if found, err := Load(filepath.Join(dir, e.Name()), &info); err != nil || !found {
			continue
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions
}
