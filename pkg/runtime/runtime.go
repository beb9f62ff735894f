// Package runtime is the composition root: it owns the registry, bus,
// policy engine, scheduler and MCP manager as explicit instances so hosts
// can run isolated runtimes side by side. No package-level state exists
// anywhere in the module.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/bus"
	"github.com/stellarlinkco/toolgate/pkg/config"
	"github.com/stellarlinkco/toolgate/pkg/confirm"
	"github.com/stellarlinkco/toolgate/pkg/hooks"
	"github.com/stellarlinkco/toolgate/pkg/mcpclient"
	"github.com/stellarlinkco/toolgate/pkg/policy"
	"github.com/stellarlinkco/toolgate/pkg/scheduler"
	"github.com/stellarlinkco/toolgate/pkg/tool"
)

// Runtime ties the tool-execution core together. Hosts register built-in
// tools on Registry, subscribe UI and hook handlers on Bus, and feed
// batches to Schedule.
type Runtime struct {
	Registry  *tool.Registry
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
	MCP       *mcpclient.Manager

	health  *mcpclient.HealthChecker
	watcher *config.Watcher
	log     zerolog.Logger
}

// Options carries host-supplied collaborators.
type Options struct {
	Logger   zerolog.Logger
	Notifier scheduler.Notifier
	Dialer   mcpclient.Dialer // test seam; nil uses the real MCP dialer
}

// New wires a runtime from settings. It does not start MCP discovery;
// call Start for that.
func New(settings config.Settings, opts Options) (*Runtime, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger

	engine, err := policy.NewEngine(settings.Permissions)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	registry := tool.NewRegistry()
	messageBus := bus.New(
		bus.WithRequestTimeout(settings.RequestTimeout()),
		bus.WithLogger(log),
	)

	sched := scheduler.New(
		registry,
		engine,
		hooks.NewDispatcher(messageBus, log),
		confirm.NewStrategy(messageBus, log),
		scheduler.WithMode(settings.Mode()),
		scheduler.WithNotifier(opts.Notifier),
		scheduler.WithLogger(log),
	)

	managerOpts := []mcpclient.ManagerOption{
		mcpclient.WithManagerLogger(log),
		mcpclient.WithRefreshDebounce(settings.RefreshDebounce()),
	}
	if opts.Dialer != nil {
		managerOpts = append(managerOpts, mcpclient.WithDialer(opts.Dialer))
	}
	manager := mcpclient.NewManager(registry, serverConfigs(settings), managerOpts...)

	var health *mcpclient.HealthChecker
	if settings.HealthCheckCron != "" {
		health, err = mcpclient.NewHealthChecker(manager, settings.HealthCheckCron)
		if err != nil {
			return nil, fmt.Errorf("runtime: health check schedule: %w", err)
		}
	}

	return &Runtime{
		Registry:  registry,
		Bus:       messageBus,
		Scheduler: sched,
		MCP:       manager,
		health:    health,
		log:       log,
	}, nil
}

// Start brings up the configured MCP servers. Per-server failures are
// logged and surface as reduced tool availability, not a startup failure.
func (r *Runtime) Start(ctx context.Context) {
	if err := r.MCP.Start(ctx); err != nil {
		r.log.Warn().Err(err).Msg("some mcp servers failed to load")
	}
	if r.health != nil {
		r.health.Start()
	}
}

// Schedule runs one batch of tool-call requests.
func (r *Runtime) Schedule(ctx context.Context, reqs []scheduler.Request) []scheduler.Result {
	return r.Scheduler.Schedule(ctx, reqs)
}

// FunctionDeclarations exposes the tool catalog to the LLM client layer.
func (r *Runtime) FunctionDeclarations() []tool.FunctionDeclaration {
	return r.Registry.FunctionDeclarations()
}

// Instructions returns the connected MCP servers' prompt instructions.
func (r *Runtime) Instructions() string {
	return r.MCP.Instructions()
}

// WatchSettings reloads the MCP server set when the settings file changes.
// Approval mode and permission rules are fixed for the runtime's lifetime;
// changing them requires a new runtime.
func (r *Runtime) WatchSettings(path string) error {
	if r.watcher != nil {
		return fmt.Errorf("runtime: settings watcher already active")
	}
	w, err := config.Watch(path, r.log, func(settings config.Settings) {
		r.MCP.Reload(serverConfigs(settings))
	})
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Close tears the runtime down: watcher and health schedule first, then MCP
// clients, then the bus.
func (r *Runtime) Close() {
	if r.watcher != nil {
		_ = r.watcher.Close()
		r.watcher = nil
	}
	if r.health != nil {
		r.health.Stop()
		r.health = nil
	}
	r.MCP.Stop()
	r.Bus.Close()
}

func serverConfigs(settings config.Settings) []mcpclient.ServerConfig {
	out := make([]mcpclient.ServerConfig, 0, len(settings.MCPServers))
	for name, server := range settings.MCPServers {
		out = append(out, mcpclient.ServerConfig{
			Name:    name,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			URL:     server.URL,
			Enabled: server.IsEnabled(),
			Timeout: time.Duration(server.TimeoutSeconds) * time.Second,
		})
	}
	return out
}
