package directive

import (
	"strings"

	"github.com/yee94/takopi-sub000/internal/model"
)

// ParseContextLine scans text for a literal `` `ctx: <project>
// [@<branch>]` `` line (spec §4.2 rule 5). The last matching line
// wins, mirroring the original's loop-and-overwrite behaviour. Returns
// (RunContext{}, false, nil) if no ctx line is present.
func ParseContextLine(text string, projects ProjectLookup) (model.RunContext, bool, error) {
	if text == "" {
		return model.RunContext{}, false, nil
	}

	var (
		ctx   model.RunContext
		found bool
	)

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		switch {
		case len(stripped) > 1 && strings.HasPrefix(stripped, "`") && strings.HasSuffix(stripped, "`"):
			stripped = strings.TrimSpace(stripped[1 : len(stripped)-1])
		case strings.HasPrefix(stripped, "`"):
			stripped = strings.TrimSpace(stripped[1:])
		case strings.HasSuffix(stripped, "`"):
			stripped = strings.TrimSpace(stripped[:len(stripped)-1])
		}

		if !strings.HasPrefix(strings.ToLower(stripped), "ctx:") {
			continue
		}
		parts := strings.SplitN(stripped, ":", 2)
		if len(parts) != 2 {
			continue
		}
		content := strings.TrimSpace(parts[1])
		if content == "" {
			continue
		}
		tokens := strings.Fields(content)
		if len(tokens) == 0 {
			continue
		}

		project := tokens[0]
		var branch string
		if len(tokens) >= 2 {
			if tokens[1] == "@" && len(tokens) >= 3 {
				branch = tokens[2]
			} else if strings.HasPrefix(tokens[1], "@") {
				branch = tokens[1][1:]
			}
		}

		projectKey := strings.ToLower(project)
		canonical, ok := projects.ResolveAlias(projectKey)
		if !ok {
			return model.RunContext{}, false, &model.UnknownProjectError{Project: project}
		}

		ctx = model.RunContext{Project: canonical, Branch: branch}
		found = true
	}

	return ctx, found, nil
}

// FormatContextLine renders the backticked `ctx:` line embedded in a
// reply so a later message can recover the same RunContext.
func FormatContextLine(ctx model.RunContext, alias string) string {
	if ctx.Project == "" {
		return ""
	}
	if ctx.Branch != "" {
		return "`ctx: " + alias + " @" + ctx.Branch + "`"
	}
	return "`ctx: " + alias + "`"
}
