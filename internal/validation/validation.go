// Package validation holds the format checks applied to values that
// cross a trust boundary: a directive parsed from chat text, a
// resume token extracted from engine output, and the channel/thread
// identifiers a transport hands back to us.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// engineIdRegex matches a bare engine id: lowercase letters, digits,
// and dashes, the same shape as "codex" and "claude".
var engineIdRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// safePathRegex matches safe path components (alphanumeric, dash,
// underscore, dot).
var safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateEngineID checks that id looks like a configured engine
// identifier, not an arbitrary string that could be used to probe for
// unrelated config keys.
func ValidateEngineID(id string) error {
	if id == "" {
		return fmt.Errorf("engine id cannot be empty")
	}
	if !engineIdRegex.MatchString(strings.ToLower(id)) {
		return fmt.Errorf("invalid engine id format: %s", id)
	}
	return nil
}

// ValidateResumeValue checks that a resume token's opaque value is
// non-empty and free of characters that would make it ambiguous when
// embedded in a formatted resume line (spec §2.2).
func ValidateResumeValue(value string) error {
	if value == "" {
		return fmt.Errorf("resume value cannot be empty")
	}
	if strings.ContainsAny(value, "\n\r\t") {
		return fmt.Errorf("resume value contains control characters: %q", value)
	}
	return nil
}

// ValidateChannelID checks a transport channel identifier is
// non-empty; transports are free to use numeric or string ids, so
// beyond emptiness there is no universal shape to enforce here (spec
// §6's ChannelId is intentionally opaque).
func ValidateChannelID(id string) error {
	if id == "" {
		return fmt.Errorf("channel id cannot be empty")
	}
	return nil
}

// SanitizePath rejects an empty path, any path containing "..", an
// absolute path, and any component outside [a-zA-Z0-9_.-], and
// otherwise returns path unchanged. internal/project uses it to vet a
// branch name before it becomes a worktree directory name.
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
