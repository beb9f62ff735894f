package policy

import (
	"strings"
	"testing"
)

func mustEngine(t *testing.T, rules Rules) *Engine {
	t.Helper()
	e, err := NewEngine(rules)
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return e
}

func TestEnginePrecedence(t *testing.T) {
	// The same call matches rules in every list; deny must win, then ask.
	e := mustEngine(t, Rules{
		Allow: []string{"shell"},
		Ask:   []string{"shell"},
		Deny:  []string{"shell(rm *)"},
	})

	tests := []struct {
		name string
		args map[string]any
		want Decision
	}{
		{"deny beats everything", map[string]any{"command": "rm -rf /tmp/x"}, Deny},
		{"ask beats allow", map[string]any{"command": "ls"}, AskUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Check("shell", tt.args, ModeDefault); got != tt.want {
				t.Fatalf("decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEngineModeDefaults(t *testing.T) {
	e := mustEngine(t, Rules{Deny: []string{"dangerous_tool"}})

	if got := e.Check("unmatched", nil, ModeDefault); got != AskUser {
		t.Fatalf("default mode unmatched = %s, want ask_user", got)
	}
	if got := e.Check("unmatched", nil, ModeAutonomous); got != Allow {
		t.Fatalf("autonomous mode unmatched = %s, want allow", got)
	}
	// Deny rules hold in autonomous mode too.
	if got := e.Check("dangerous_tool", nil, ModeAutonomous); got != Deny {
		t.Fatalf("autonomous mode deny = %s, want deny", got)
	}
}

func TestEngineAutonomousCollapsesAsk(t *testing.T) {
	e := mustEngine(t, Rules{Ask: []string{"shell"}})
	if got := e.Check("shell", map[string]any{"command": "ls"}, ModeAutonomous); got != Allow {
		t.Fatalf("decision = %s, want ask collapsed to allow", got)
	}
}

func TestEngineRuleGrammar(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		tool  string
		args  map[string]any
		want  Decision
	}{
		{
			name:  "tool name exact match is case-insensitive",
			rules: Rules{Allow: []string{"Shell"}},
			tool:  "shell",
			want:  Allow,
		},
		{
			name:  "tool name glob",
			rules: Rules{Allow: []string{"mcp__*"}},
			tool:  "mcp__github__search",
			want:  Allow,
		},
		{
			name:  "tool with target pattern matches",
			rules: Rules{Allow: []string{"shell(git status*)"}},
			tool:  "shell",
			args:  map[string]any{"command": "git status --short"},
			want:  Allow,
		},
		{
			name:  "tool with target pattern rejects other targets",
			rules: Rules{Allow: []string{"shell(git status*)"}},
			tool:  "shell",
			args:  map[string]any{"command": "git push"},
			want:  AskUser,
		},
		{
			name:  "bare path glob matches derived file path",
			rules: Rules{Deny: []string{"/etc/*"}},
			tool:  "read_file",
			args:  map[string]any{"file_path": "/etc/passwd"},
			want:  Deny,
		},
		{
			name:  "dotted tool name is a tool rule not a target pattern",
			rules: Rules{Deny: []string{"web.fetch"}},
			tool:  "web.fetch",
			args:  map[string]any{"url": "https://example.com"},
			want:  Deny,
		},
		{
			name:  "dotted tool rule leaves other tools alone",
			rules: Rules{Deny: []string{"web.fetch"}},
			tool:  "shell",
			args:  map[string]any{"command": "ls"},
			want:  AskUser,
		},
		{
			name:  "regex target pattern",
			rules: Rules{Deny: []string{"shell(regex:rm\\s+-rf)"}},
			tool:  "shell",
			args:  map[string]any{"command": "rm -rf /"},
			want:  Deny,
		},
		{
			name:  "fallback target from url key",
			rules: Rules{Allow: []string{"fetch(https://example.com/*)"}},
			tool:  "fetch",
			args:  map[string]any{"url": "https://example.com/docs"},
			want:  Allow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustEngine(t, tt.rules)
			if got := e.Check(tt.tool, tt.args, ModeDefault); got != tt.want {
				t.Fatalf("decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEngineDecisionsAreDeterministic(t *testing.T) {
	e := mustEngine(t, Rules{Deny: []string{"lookup(secret*)"}})
	// No well-known key, so the target comes from map iteration; repeated
	// checks over the same args must always agree.
	args := map[string]any{"zz": "other", "aa": "secret-value"}
	first := e.Check("lookup", args, ModeDefault)
	for i := 0; i < 50; i++ {
		if got := e.Check("lookup", args, ModeDefault); got != first {
			t.Fatalf("iteration %d: decision %s != first decision %s", i, got, first)
		}
	}
	if first != Deny {
		t.Fatalf("decision = %s, want deny (sorted key order picks aa)", first)
	}
}

func TestNewEngineRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		want  string
	}{
		{"empty rule", Rules{Allow: []string{"  "}}, "rule is empty"},
		{"unclosed paren", Rules{Deny: []string{"shell(rm"}}, "malformed"},
		{"bad regex", Rules{Ask: []string{"shell(regex:[)"}}, "error parsing regexp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rules)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q got %v", tt.want, err)
			}
		})
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if got := e.Check("anything", nil, ModeDefault); got != AskUser {
		t.Fatalf("nil engine default = %s, want ask_user", got)
	}
	if got := e.Check("anything", nil, ModeAutonomous); got != Allow {
		t.Fatalf("nil engine autonomous = %s, want allow", got)
	}
}

func TestDeriveTarget(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"shell command", "shell", map[string]any{"command": " ls -la "}, "ls -la"},
		{"file path cleaned", "write_file", map[string]any{"file_path": "/tmp//a/../b.txt"}, "/tmp/b.txt"},
		{"path fallback", "custom", map[string]any{"path": "/var/data"}, "/var/data"},
		{"url fallback", "custom", map[string]any{"url": "https://x.io"}, "https://x.io"},
		{"first string sorted", "custom", map[string]any{"b": "second", "a": "first"}, "first"},
		{"no args", "custom", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveTarget(tt.tool, tt.args); got != tt.want {
				t.Fatalf("target = %q, want %q", got, tt.want)
			}
		})
	}
}
