package project

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yee94/takopi-sub000/internal/validation"
)

// worktreesDirName is the subdirectory under a project's path that
// holds lazily-created per-branch git worktrees, matching the
// original's default `.worktrees` convention.
const worktreesDirName = ".worktrees"

// Registry resolves project aliases to working directories and, on
// demand, to per-branch git worktrees underneath them.
type Registry struct {
	entries map[string]Entry // lowercase alias -> entry

	mu          sync.Mutex
	worktrees   map[string]worktree // "<alias>@<branch>" -> worktree
	branchLocks sync.Map            // "<alias>@<branch>" -> *sync.Mutex
}

// New builds a Registry from a config alias->path map such as
// internal/config's LoadedConfig.Projects.
func New(aliasToPath map[string]string) *Registry {
	entries := make(map[string]Entry, len(aliasToPath))
	for alias, path := range aliasToPath {
		entries[strings.ToLower(alias)] = Entry{Alias: alias, Path: path}
	}
	return &Registry{entries: entries, worktrees: make(map[string]worktree)}
}

// ResolveAlias implements internal/directive.ProjectLookup: it looks
// up a lower-cased alias and reports the canonical (as-configured)
// spelling.
func (r *Registry) ResolveAlias(lowerAlias string) (string, bool) {
	entry, ok := r.entries[lowerAlias]
	if !ok {
		return "", false
	}
	return entry.Alias, true
}

// Lookup returns the full entry for a project alias, case-insensitive.
func (r *Registry) Lookup(alias string) (Entry, bool) {
	entry, ok := r.entries[strings.ToLower(alias)]
	return entry, ok
}

// WorkingDir resolves the directory a run against (project, branch)
// should execute in. An empty branch returns the project's own path;
// a non-empty branch resolves (creating if necessary) a git worktree
// checked out at that branch under the project's .worktrees directory.
func (r *Registry) WorkingDir(alias, branch string) (string, error) {
	entry, ok := r.Lookup(alias)
	if !ok {
		return "", fmt.Errorf("project: unknown alias %q", alias)
	}
	if branch == "" {
		return entry.Path, nil
	}
	return r.ensureWorktree(entry, branch)
}

func (r *Registry) ensureWorktree(entry Entry, branch string) (string, error) {
	safeBranch, err := validation.SanitizePath(branch)
	if err != nil {
		return "", fmt.Errorf("project: invalid branch name %q: %w", branch, err)
	}
	key := entry.Alias + "@" + safeBranch

	lockAny, _ := r.branchLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if wt, ok := r.worktrees[key]; ok {
		r.mu.Unlock()
		return wt.path, nil
	}
	r.mu.Unlock()

	worktreePath := filepath.Join(entry.Path, worktreesDirName, safeBranch)
	if _, err := os.Stat(worktreePath); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("project: stat worktree %s: %w", worktreePath, err)
		}
		if err := addWorktree(entry.Path, worktreePath, safeBranch); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.worktrees[key] = worktree{path: worktreePath}
	r.mu.Unlock()

	return worktreePath, nil
}

// addWorktree shells out to `git worktree add`, creating branchName
// off the project's current HEAD if it does not already exist locally.
func addWorktree(projectPath, worktreePath, branchName string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("project: mkdir worktrees dir: %w", err)
	}

	args := []string{"worktree", "add", "-b", branchName, worktreePath}
	if exec.Command("git", "-C", projectPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branchName).Run() == nil {
		args = []string{"worktree", "add", worktreePath, branchName}
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = projectPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("project: git worktree add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
