// Package policy decides whether a tool call may run, must be denied, or
// needs human confirmation. Decisions are pure: an Engine's rule set is fixed
// at construction, so identical inputs always yield identical outputs.
package policy

import (
	"fmt"
	"strings"
)

// Decision is the outcome of a policy check.
type Decision string

const (
	Allow   Decision = "allow"
	Deny    Decision = "deny"
	AskUser Decision = "ask_user"
)

// Mode is the approval mode the host is operating under.
type Mode string

const (
	// ModeDefault routes calls unmatched by any rule to human confirmation.
	ModeDefault Mode = "default"
	// ModeAutonomous collapses would-be AskUser outcomes to Allow. Explicit
	// deny rules still apply.
	ModeAutonomous Mode = "autonomous"
)

// Rules holds the raw allow/ask/deny rule strings. Rule forms, in the
// matcher grammar shared with the settings file:
//
//	ToolName            exact or glob tool-name match, any target
//	ToolName(pattern)   tool-name match plus glob/regex target match
//	path/glob           bare pattern containing "/" matched against the
//	                    derived target, any tool
type Rules struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Ask   []string `json:"ask,omitempty" yaml:"ask,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Engine evaluates tool calls against compiled rules.
// Precedence: deny > ask > allow > mode default.
type Engine struct {
	allow []*rule
	ask   []*rule
	deny  []*rule
}

// NewEngine compiles the rule set. Invalid rules fail construction rather
// than being skipped at check time.
func NewEngine(cfg Rules) (*Engine, error) {
	build := func(raw []string, kind string) ([]*rule, error) {
		compiled := make([]*rule, 0, len(raw))
		for _, r := range raw {
			c, err := compileRule(r)
			if err != nil {
				return nil, fmt.Errorf("policy: compile %s rule %q: %w", kind, r, err)
			}
			compiled = append(compiled, c)
		}
		return compiled, nil
	}

	allow, err := build(cfg.Allow, "allow")
	if err != nil {
		return nil, err
	}
	ask, err := build(cfg.Ask, "ask")
	if err != nil {
		return nil, err
	}
	deny, err := build(cfg.Deny, "deny")
	if err != nil {
		return nil, err
	}
	return &Engine{allow: allow, ask: ask, deny: deny}, nil
}

// Check resolves the decision for one tool call. A nil engine allows
// everything in autonomous mode and asks otherwise.
func (e *Engine) Check(toolName string, args map[string]any, mode Mode) Decision {
	name := strings.TrimSpace(toolName)
	target := deriveTarget(name, args)

	if e != nil {
		if matchAny(e.deny, name, target) {
			return Deny
		}
		if matchAny(e.ask, name, target) {
			return collapse(AskUser, mode)
		}
		if matchAny(e.allow, name, target) {
			return Allow
		}
	}
	return collapse(AskUser, mode)
}

// collapse applies the autonomous-mode rule: AskUser becomes Allow at the
// policy layer, never inside the scheduler.
func collapse(d Decision, mode Mode) Decision {
	if d == AskUser && mode == ModeAutonomous {
		return Allow
	}
	return d
}

func matchAny(rules []*rule, tool, target string) bool {
	for _, r := range rules {
		if r.matches(tool, target) {
			return true
		}
	}
	return false
}
