package gitinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T, head, config string) string {
	t.Helper()
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte(head), 0o644); err != nil {
		t.Fatal(err)
	}
	if config != "" {
		if err := os.WriteFile(filepath.Join(gitDir, "config"), []byte(config), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

const twoRemoteConfig = `[core]
	repositoryformatversion = 0
[remote "upstream"]
	url = https://example.com/upstream.git
	fetch = +refs/heads/*:refs/remotes/upstream/*
[remote "origin"]
	url = git@example.com:team/project.git
	fetch = +refs/heads/*:refs/remotes/origin/*
`

func TestLookupBranchAndOrigin(t *testing.T) {
	root := initRepo(t, "ref: refs/heads/feature/pacing\n", twoRemoteConfig)
	info := Lookup(root)
	if info.Branch != "feature/pacing" {
		t.Errorf("branch = %q", info.Branch)
	}
	if info.Remote != "git@example.com:team/project.git" {
		t.Errorf("remote = %q, want origin over first-seen", info.Remote)
	}
}

func TestLookupWalksUpFromSubdirectory(t *testing.T) {
	root := initRepo(t, "ref: refs/heads/main\n", "")
	sub := filepath.Join(root, "internal", "deep")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if info := Lookup(sub); info.Branch != "main" {
		t.Errorf("branch = %q", info.Branch)
	}
}

func TestLookupDetachedHead(t *testing.T) {
	root := initRepo(t, "0123456789abcdef0123456789abcdef01234567\n", "")
	if info := Lookup(root); info.Branch != "01234567" {
		t.Errorf("branch = %q, want short hash", info.Branch)
	}
}

func TestLookupWorktreePointer(t *testing.T) {
	// The real git dir lives elsewhere; the worktree holds a pointer file.
	real := t.TempDir()
	if err := os.WriteFile(filepath.Join(real, "HEAD"), []byte("ref: refs/heads/wt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	worktree := t.TempDir()
	if err := os.WriteFile(filepath.Join(worktree, ".git"), []byte("gitdir: "+real+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if info := Lookup(worktree); info.Branch != "wt" {
		t.Errorf("branch = %q", info.Branch)
	}
}

func TestLookupFirstRemoteWithoutOrigin(t *testing.T) {
	config := "[remote \"fork\"]\n\turl = https://example.com/fork.git\n"
	root := initRepo(t, "ref: refs/heads/main\n", config)
	if info := Lookup(root); info.Remote != "https://example.com/fork.git" {
		t.Errorf("remote = %q", info.Remote)
	}
}

func TestLookupOutsideRepository(t *testing.T) {
	if info := Lookup(t.TempDir()); info != (Info{}) {
		t.Errorf("info = %+v, want zero outside a repository", info)
	}
}
