// Package config loads the runtime settings file: approval mode, permission
// rules and MCP server definitions. Both JSON and YAML are accepted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/toolgate/pkg/policy"
)

const (
	DefaultApprovalMode      = "default"
	DefaultRequestTimeoutSec = 30
	DefaultRefreshDebounceMs = 300
)

// Settings models the full contents of the runtime settings file.
type Settings struct {
	ApprovalMode          string               `json:"approvalMode,omitempty" yaml:"approvalMode,omitempty"`
	Permissions           policy.Rules         `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	RequestTimeoutSeconds int                  `json:"requestTimeoutSeconds,omitempty" yaml:"requestTimeoutSeconds,omitempty"`
	RefreshDebounceMs     int                  `json:"refreshDebounceMs,omitempty" yaml:"refreshDebounceMs,omitempty"`
	HealthCheckCron       string               `json:"healthCheckCron,omitempty" yaml:"healthCheckCron,omitempty"`
	MCPServers            map[string]MCPServer `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
}

// MCPServer describes how to reach one external tool provider. Enabled uses
// *bool so nil means "unset" and defaults to true, matching the convention
// for optional booleans in settings files.
type MCPServer struct {
	Command        string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// IsEnabled reports whether the server should be started.
func (s MCPServer) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Default returns settings with every knob at its default.
func Default() Settings {
	return Settings{
		ApprovalMode:          DefaultApprovalMode,
		RequestTimeoutSeconds: DefaultRequestTimeoutSec,
		RefreshDebounceMs:     DefaultRefreshDebounceMs,
	}
}

// Load reads and validates a settings file. The format is chosen by
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	settings := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks field-level constraints.
func (s Settings) Validate() error {
	switch s.ApprovalMode {
	case "", "default", "autonomous":
	default:
		return fmt.Errorf("config: unknown approvalMode %q", s.ApprovalMode)
	}
	if s.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("config: requestTimeoutSeconds must not be negative")
	}
	if s.RefreshDebounceMs < 0 {
		return fmt.Errorf("config: refreshDebounceMs must not be negative")
	}
	for name, server := range s.MCPServers {
		hasCommand := strings.TrimSpace(server.Command) != ""
		hasURL := strings.TrimSpace(server.URL) != ""
		if hasCommand == hasURL {
			return fmt.Errorf("config: mcp server %q needs exactly one of command or url", name)
		}
		if server.TimeoutSeconds < 0 {
			return fmt.Errorf("config: mcp server %q timeout must not be negative", name)
		}
	}
	return nil
}

// Mode maps the configured approval mode onto the policy layer's type.
func (s Settings) Mode() policy.Mode {
	if s.ApprovalMode == "autonomous" {
		return policy.ModeAutonomous
	}
	return policy.ModeDefault
}

// RequestTimeout returns the bus request timeout as a duration.
func (s Settings) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeoutSec * time.Second
	}
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// RefreshDebounce returns the MCP refresh coalescing window as a duration.
func (s Settings) RefreshDebounce() time.Duration {
	if s.RefreshDebounceMs <= 0 {
		return DefaultRefreshDebounceMs * time.Millisecond
	}
	return time.Duration(s.RefreshDebounceMs) * time.Millisecond
}
