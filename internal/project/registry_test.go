package project

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T, aliases map[string]string) *Registry {
	t.Helper()
	return New(aliases)
}

func TestResolveAlias(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"Web": "/srv/web"})

	canonical, ok := r.ResolveAlias("web")
	if !ok || canonical != "Web" {
		t.Fatalf("ResolveAlias(web) = (%q, %v), want (Web, true)", canonical, ok)
	}

	if _, ok := r.ResolveAlias("missing"); ok {
		t.Fatalf("ResolveAlias(missing) = ok, want not found")
	}
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"api": "/srv/api"})

	entry, ok := r.Lookup("API")
	if !ok || entry.Path != "/srv/api" {
		t.Fatalf("Lookup(API) = (%+v, %v), want path /srv/api", entry, ok)
	}
}

func TestWorkingDirNoBranch(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"api": "/srv/api"})

	dir, err := r.WorkingDir("api", "")
	if err != nil {
		t.Fatalf("WorkingDir: %v", err)
	}
	if dir != "/srv/api" {
		t.Errorf("WorkingDir = %q, want /srv/api", dir)
	}
}

func TestWorkingDirUnknownAlias(t *testing.T) {
	r := newTestRegistry(t, map[string]string{})

	if _, err := r.WorkingDir("nope", ""); err == nil {
		t.Fatal("expected error for unknown alias")
	}
}

func TestWorkingDirWithBranchCreatesWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	repoDir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README.md")
	run("commit", "-q", "-m", "init")

	r := newTestRegistry(t, map[string]string{"repo": repoDir})

	dir, err := r.WorkingDir("repo", "feature-x")
	if err != nil {
		t.Fatalf("WorkingDir: %v", err)
	}
	want := filepath.Join(repoDir, worktreesDirName, "feature-x")
	if dir != want {
		t.Errorf("WorkingDir = %q, want %q", dir, want)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected worktree directory to exist: %v", err)
	}

	// Second call reuses the cached worktree rather than re-running git.
	dir2, err := r.WorkingDir("repo", "feature-x")
	if err != nil {
		t.Fatalf("WorkingDir (cached): %v", err)
	}
	if dir2 != dir {
		t.Errorf("WorkingDir (cached) = %q, want %q", dir2, dir)
	}
}

func TestWorkingDirRejectsUnsafeBranch(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"api": "/srv/api"})

	if _, err := r.WorkingDir("api", "../../etc"); err == nil {
		t.Fatal("expected error for path-traversal branch name")
	}
}
