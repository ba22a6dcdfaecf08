// Package gitinfo extracts branch and remote from a repository's .git
// files directly. Hooks run on every tool call, so shelling out to git
// is off the table; HEAD and config carry everything trace metadata
// needs.
package gitinfo

import (
	"os"
	"path/filepath"
	"strings"
)

// Info is the project context attached to trace metadata.
type Info struct {
	Branch string
	Remote string
}

// Lookup walks up from dir to the nearest repository and reads its
// branch and origin remote. Outside a repository it returns zero Info;
// that is not an error.
func Lookup(dir string) Info {
	gitDir := findGitDir(dir)
	if gitDir == "" {
		return Info{}
	}
	return Info{
		Branch: readBranch(gitDir),
		Remote: readRemote(gitDir),
	}
}

// findGitDir locates the .git directory for dir, following worktree
// gitdir pointers.
func findGitDir(dir string) string {
	for d := dir; ; {
		candidate := filepath.Join(d, ".git")
		fi, err := os.Stat(candidate)
		if err == nil {
			if fi.IsDir() {
				return candidate
			}
			// Worktrees store "gitdir: <path>" in a plain .git file.
			if data, err := os.ReadFile(candidate); err == nil {
				line := strings.TrimSpace(string(data))
				if rest, ok := strings.CutPrefix(line, "gitdir:"); ok {
					target := strings.TrimSpace(rest)
					if !filepath.IsAbs(target) {
						target = filepath.Join(d, target)
					}
					return target
				}
			}
		}
		parent := filepath.Dir(d)
		if parent == d {
			return ""
		}
		d = parent
	}
}

// readBranch parses HEAD. A symbolic ref yields the branch name; a
// detached head yields the short commit hash.
func readBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if rest, ok := strings.CutPrefix(head, "ref: "); ok {
		return strings.TrimPrefix(rest, "refs/heads/")
	}
	if len(head) >= 8 {
		return head[:8]
	}
	return head
}

// readRemote pulls the origin url out of the config file with a minimal
// INI scan; origin wins, otherwise the first remote seen.
func readRemote(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		return ""
	}

	var (
		inOrigin  bool
		inRemote  bool
		firstURL  string
		originURL string
	)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			section := strings.Trim(line, "[]")
			inRemote = strings.HasPrefix(section, "remote ")
			inOrigin = section == `remote "origin"`
			continue
		}
		if !inRemote {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "url"); ok {
			url := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "="))
			if url == "" {
				continue
			}
			if inOrigin {
				originURL = url
			}
			if firstURL == "" {
				firstURL = url
			}
		}
	}
	if originURL != "" {
		return originURL
	}
	return firstURL
}
