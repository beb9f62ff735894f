package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

type rule struct {
	raw       string
	toolMatch func(string) bool
	target    func(string) bool
}

func (r *rule) matches(tool, target string) bool {
	return r.toolMatch(tool) && r.target(target)
}

func compileRule(raw string) (*rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("rule is empty")
	}

	// Bare path rule: a pattern containing "/" matches the derived target
	// regardless of tool name. A dot alone is not enough; tool names like
	// web.fetch must stay tool-name rules.
	if !strings.ContainsRune(trimmed, '(') && strings.Contains(trimmed, "/") {
		matcher, err := compilePattern(trimmed)
		if err != nil {
			return nil, err
		}
		return &rule{
			raw:       trimmed,
			toolMatch: func(string) bool { return true },
			target:    matcher,
		}, nil
	}

	// Tool-name-only rule.
	if !strings.ContainsRune(trimmed, '(') {
		toolMatcher, err := compileToolMatcher(trimmed)
		if err != nil {
			return nil, err
		}
		return &rule{
			raw:       trimmed,
			toolMatch: toolMatcher,
			target:    func(string) bool { return true },
		}, nil
	}

	// ToolName(pattern) rule.
	open := strings.IndexRune(trimmed, '(')
	if !strings.HasSuffix(trimmed, ")") {
		return nil, fmt.Errorf("rule %q malformed", raw)
	}
	toolName := strings.TrimSpace(trimmed[:open])
	pattern := strings.TrimSuffix(trimmed[open+1:], ")")
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return &rule{
		raw:       trimmed,
		toolMatch: func(name string) bool { return strings.EqualFold(toolName, name) },
		target:    matcher,
	}, nil
}

func compileToolMatcher(pattern string) (func(string) bool, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, errors.New("empty tool pattern")
	}
	lower := strings.ToLower(trimmed)
	if !strings.ContainsAny(trimmed, "*?") && !strings.HasPrefix(lower, "regex:") {
		return func(name string) bool {
			return strings.ToLower(strings.TrimSpace(name)) == lower
		}, nil
	}
	matcher, err := compilePattern(lower)
	if err != nil {
		return nil, err
	}
	return func(name string) bool {
		return matcher(strings.ToLower(strings.TrimSpace(name)))
	}, nil
}

func compilePattern(pattern string) (func(string) bool, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, errors.New("empty pattern")
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(trimmed), "regex:"); ok {
		re, err := regexp.Compile(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}
	re, err := regexp.Compile("^" + globToRegex(trimmed) + "$")
	if err != nil {
		return nil, err
	}
	return re.MatchString, nil
}

func globToRegex(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			b.WriteString(".*")
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
			}
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			b.WriteString("\\")
			b.WriteByte(glob[i])
		default:
			b.WriteByte(glob[i])
		}
	}
	return b.String()
}

// deriveTarget extracts the string rule patterns are matched against: the
// command line for shell tools, a cleaned path for file tools, the first
// string-valued argument otherwise.
func deriveTarget(tool string, args map[string]any) string {
	switch strings.ToLower(strings.TrimSpace(tool)) {
	case "shell", "bash", "run_shell_command":
		return strings.TrimSpace(firstString(args, "command"))
	case "read", "read_file", "write", "write_file", "edit", "replace":
		if p := firstString(args, "file_path", "path"); p != "" {
			return filepath.Clean(p)
		}
	}
	if p := firstString(args, "path", "file", "target", "url"); p != "" {
		return p
	}
	return firstString(args)
}

func firstString(args map[string]any, keys ...string) string {
	if args == nil {
		return ""
	}
	if len(keys) == 0 {
		// Sorted iteration keeps decisions deterministic for identical args.
		names := make([]string, 0, len(args))
		for k := range args {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
