// Package project resolves a chat-facing project alias to the working
// directory a runner should spawn its engine process in, and — when a
// message carries an `@branch` directive — to a per-branch git
// worktree under that project. Grounded on original_source's
// ProjectConfig/ProjectsConfig (src/takopi/config.py), trimmed to the
// alias/cwd lookup the directive parser and runner actually need.
package project

import "time"

// Entry is one registered project: its alias and the working
// directory a bare run (no @branch) spawns in.
type Entry struct {
	Alias string
	Path  string
}

// worktree tracks a lazily-created per-branch checkout so repeated
// runs against the same project/branch pair reuse the same directory.
type worktree struct {
	path      string
	createdAt time.Time
}
