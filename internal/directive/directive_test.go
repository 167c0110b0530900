package directive

import "testing"

type fakeProjects map[string]string

func (f fakeProjects) ResolveAlias(lowerAlias string) (string, bool) {
	alias, ok := f[lowerAlias]
	return alias, ok
}

func TestParseBoundaryScenario4(t *testing.T) {
	projects := fakeProjects{"proja": "projA"}
	got, err := Parse("/codex /projA @dev do the thing", []string{"codex", "claude"}, projects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Engine != "codex" || got.Project != "projA" || got.Branch != "dev" || got.Prompt != "do the thing" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseNoDirectivesReturnsVerbatim(t *testing.T) {
	text := "  just a prompt\nwith a second line"
	got, err := Parse(text, []string{"codex"}, fakeProjects{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Prompt != text {
		t.Fatalf("expected verbatim prompt, got %q", got.Prompt)
	}
}

func TestParseDuplicateEngineFails(t *testing.T) {
	_, err := Parse("/codex /claude hi", []string{"codex", "claude"}, fakeProjects{})
	if err == nil {
		t.Fatal("expected error for duplicate engine directive")
	}
}

func TestParseIdempotent(t *testing.T) {
	// P5: re-parsing the already-parsed prompt consumes nothing.
	projects := fakeProjects{"proja": "projA"}
	first, err := Parse("/codex /projA @dev do the thing", []string{"codex", "claude"}, projects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Parse(first.Prompt, []string{"codex", "claude"}, projects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Engine != "" || second.Project != "" || second.Branch != "" {
		t.Fatalf("expected second pass to consume nothing, got %+v", second)
	}
	if second.Prompt != first.Prompt {
		t.Fatalf("expected prompt to be stable across passes")
	}
}

func TestParseContextLine(t *testing.T) {
	projects := fakeProjects{"proja": "projA"}
	ctx, found, err := ParseContextLine("some reply\n`ctx: projA @dev`\nmore text", projects)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected a context line to be found")
	}
	if ctx.Project != "projA" || ctx.Branch != "dev" {
		t.Fatalf("got %+v", ctx)
	}
}

func TestParseContextLineUnknownProject(t *testing.T) {
	_, _, err := ParseContextLine("`ctx: unknown`", fakeProjects{})
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
}
