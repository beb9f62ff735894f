package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stellarlinkco/toolgate/pkg/tool"
)

const (
	clientName    = "toolgate"
	clientVersion = "dev"
)

// Descriptor is the provider-reported metadata for one discovered tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema any
}

// Conn is the runtime handle to one live provider connection. The real
// implementation wraps an MCP client session; tests substitute fakes through
// the manager's Dialer.
type Conn interface {
	Ping(ctx context.Context) error
	Tools() []Descriptor
	Instructions() string
	CallTool(ctx context.Context, name string, args map[string]any) (*tool.Result, error)
	Close() error
}

// Dialer establishes one provider connection. onToolsChanged fires when the
// provider notifies that its tool list changed.
type Dialer func(ctx context.Context, cfg ServerConfig, onToolsChanged func()) (Conn, error)

// Dial spawns the provider subprocess or opens the remote connection,
// completes the MCP handshake and snapshots the advertised tool list.
func Dial(ctx context.Context, cfg ServerConfig, onToolsChanged func()) (Conn, error) {
	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var opts *mcpsdk.ClientOptions
	if onToolsChanged != nil {
		opts = &mcpsdk.ClientOptions{
			ToolListChangedHandler: func(context.Context, *mcpsdk.ToolListChangedRequest) {
				onToolsChanged()
			},
		}
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, opts)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Name, err)
	}

	tools, err := snapshotTools(ctx, session)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("list tools on %s: %w", cfg.Name, err)
	}

	return &sessionConn{server: cfg.Name, session: session, tools: tools}, nil
}

func buildTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("server %s: unsupported url %q", cfg.Name, cfg.URL)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: url}, nil
	}

	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("server %s: neither command nor url configured", cfg.Name)
	}
	cmd := exec.CommandContext(ctx, command, cfg.Args...) // #nosec G204 -- host-configured provider command
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	}
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func snapshotTools(ctx context.Context, session *mcpsdk.ClientSession) ([]Descriptor, error) {
	var tools []Descriptor
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if t == nil || strings.TrimSpace(t.Name) == "" {
			continue
		}
		tools = append(tools, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

type sessionConn struct {
	server  string
	session *mcpsdk.ClientSession
	tools   []Descriptor
}

func (c *sessionConn) Ping(ctx context.Context) error {
	if c == nil || c.session == nil {
		return errors.New("mcp session is nil")
	}
	return c.session.Ping(ctx, nil)
}

func (c *sessionConn) Tools() []Descriptor { return c.tools }

func (c *sessionConn) Instructions() string {
	if c == nil || c.session == nil {
		return ""
	}
	init := c.session.InitializeResult()
	if init == nil {
		return ""
	}
	return init.Instructions
}

// CallTool invokes a provider tool. Transport and protocol failures are
// wrapped in tool.RemoteError; a tool-level failure reported by the provider
// surfaces as a plain error.
func (c *sessionConn) CallTool(ctx context.Context, name string, args map[string]any) (*tool.Result, error) {
	if c == nil || c.session == nil {
		return nil, &tool.RemoteError{Server: c.server, Err: errors.New("session closed")}
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, &tool.RemoteError{Server: c.server, Err: err}
	}
	if res == nil {
		return nil, &tool.RemoteError{Server: c.server, Err: errors.New("nil call result")}
	}

	content := firstText(res.Content)
	if res.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return nil, errors.New(content)
	}
	return &tool.Result{Content: content, Data: res.Content}, nil
}

func (c *sessionConn) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

func firstText(content []mcpsdk.Content) string {
	for _, part := range content {
		if txt, ok := part.(*mcpsdk.TextContent); ok {
			return txt.Text
		}
	}
	return ""
}
