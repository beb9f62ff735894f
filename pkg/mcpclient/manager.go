// Package mcpclient owns connections to external tool providers: it spawns
// or dials them, discovers their tools, bridges those tools into the
// registry, and keeps the pool healthy across config changes.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/tool"
)

const (
	defaultRefreshDebounce = 300 * time.Millisecond
	defaultPingTimeout     = 5 * time.Second
	dialMaxTries           = 3
)

// Manager brings provider connections up and down and keeps the tool
// registry current. It never holds two live clients for the same server
// name: an unhealthy client is stopped before its replacement starts.
type Manager struct {
	registry *tool.Registry
	dial     Dialer
	log      zerolog.Logger
	debounce time.Duration

	mu         sync.Mutex
	closed     bool
	configs    map[string]ServerConfig
	clients    map[string]Conn
	registered map[string][]string // server name -> registry tool names
	nameLocks  map[string]*sync.Mutex
	inflight   *startFlight

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
}

type startFlight struct {
	done chan struct{}
	err  error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer substitutes the connection factory, primarily for tests.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithManagerLogger attaches a logger.
func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithRefreshDebounce adjusts the coalescing window for ScheduleRefresh.
func WithRefreshDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager builds a manager that registers discovered tools into registry.
func NewManager(registry *tool.Registry, configs []ServerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:   registry,
		dial:       Dial,
		log:        zerolog.Nop(),
		debounce:   defaultRefreshDebounce,
		configs:    make(map[string]ServerConfig, len(configs)),
		clients:    make(map[string]Conn),
		registered: make(map[string][]string),
		nameLocks:  make(map[string]*sync.Mutex),
	}
	for _, cfg := range configs {
		if strings.TrimSpace(cfg.Name) != "" {
			m.configs[cfg.Name] = cfg
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start brings up every enabled configured server and is idempotent under
// concurrency: a second call while discovery is in flight waits for and
// shares the in-flight result instead of re-triggering. One server's failure
// is logged and isolated; it never prevents other servers from loading.
//
// Start is deliberately not wired to any turn's cancellation: callers pass
// their own lifecycle context, and refreshes run under a background one.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &startFlight{done: make(chan struct{})}
	m.inflight = f
	cfgs := make([]ServerConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		cfgs = append(cfgs, cfg)
	}
	m.mu.Unlock()

	f.err = m.startAll(ctx, cfgs)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(f.done)
	return f.err
}

func (m *Manager) startAll(ctx context.Context, cfgs []ServerConfig) error {
	enabled := make(map[string]struct{}, len(cfgs))
	var wg sync.WaitGroup
	errsMu := sync.Mutex{}
	var errs []error

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		enabled[cfg.Name] = struct{}{}
		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()
			if err := m.startServer(ctx, cfg); err != nil {
				m.log.Warn().Str("server", cfg.Name).Err(err).Msg("mcp server failed to start")
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", cfg.Name, err))
				errsMu.Unlock()
			}
		}(cfg)
	}
	wg.Wait()

	m.pruneDisabled(enabled)
	return errors.Join(errs...)
}

// startServer connects one provider. Start/stop for a given server name is
// serialized so two concurrent refreshes can never spawn duplicate
// subprocesses for the same provider.
func (m *Manager) startServer(ctx context.Context, cfg ServerConfig) error {
	lock := m.nameLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing := m.clients[cfg.Name]
	m.mu.Unlock()

	if existing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		err := existing.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil // healthy, reuse the pooled client
		}
		m.log.Info().Str("server", cfg.Name).Err(err).Msg("mcp client unhealthy, restarting")
		m.dropClient(cfg.Name)
	}

	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
		defer cancel()
		return m.dial(dialCtx, cfg, func() { m.ScheduleRefresh() })
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(dialMaxTries))
	if err != nil {
		return err
	}

	wrappers, err := buildRemoteTools(cfg.Name, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	names := make([]string, 0, len(wrappers))
	for _, w := range wrappers {
		if err := m.registry.Register(w); err != nil {
			m.log.Warn().Str("server", cfg.Name).Str("tool", w.Name()).Err(err).Msg("skipping tool")
			continue
		}
		names = append(names, w.Name())
	}

	m.mu.Lock()
	if m.closed {
		// Shut down while this server was connecting; roll it back instead
		// of leaking a live client past Stop.
		m.mu.Unlock()
		for _, name := range names {
			m.registry.Unregister(name)
		}
		return conn.Close()
	}
	m.clients[cfg.Name] = conn
	m.registered[cfg.Name] = names
	m.mu.Unlock()

	m.log.Info().Str("server", cfg.Name).Int("tools", len(names)).Msg("mcp server connected")
	return nil
}

// Stop shuts the manager down: all clients stop concurrently, their tools
// are removed and internal state is cleared. Start and refresh calls after
// Stop are no-ops, so a racing debounced refresh cannot repopulate the pool.
func (m *Manager) Stop() {
	m.cancelPendingRefresh()

	m.mu.Lock()
	m.closed = true
	clients := m.clients
	registered := m.registered
	m.clients = make(map[string]Conn)
	m.registered = make(map[string][]string)
	m.mu.Unlock()

	for _, names := range registered {
		for _, name := range names {
			m.registry.Unregister(name)
		}
	}

	var wg sync.WaitGroup
	for name, conn := range clients {
		wg.Add(1)
		go func(name string, conn Conn) {
			defer wg.Done()
			if err := conn.Close(); err != nil {
				m.log.Warn().Str("server", name).Err(err).Msg("close mcp client")
			}
		}(name, conn)
	}
	wg.Wait()
}

// Servers returns the full configured set, including disabled servers, for
// display. It is distinct from the live-client map.
func (m *Manager) Servers() []ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClientCount reports the number of live provider connections.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Instructions concatenates each connected server's self-reported
// instructions for prompt injection, in stable name order.
func (m *Manager) Instructions() string {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	conns := make(map[string]Conn, len(m.clients))
	for name, conn := range m.clients {
		conns[name] = conn
	}
	m.mu.Unlock()

	sort.Strings(names)
	var parts []string
	for _, name := range names {
		if instructions := strings.TrimSpace(conns[name].Instructions()); instructions != "" {
			parts = append(parts, instructions)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Reload replaces the configured server set. The next Start or refresh
// reconciles the live pool against it.
func (m *Manager) Reload(configs []ServerConfig) {
	m.mu.Lock()
	m.configs = make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		if strings.TrimSpace(cfg.Name) != "" {
			m.configs[cfg.Name] = cfg
		}
	}
	m.mu.Unlock()
	m.ScheduleRefresh()
}

// ScheduleRefresh coalesces rapid upstream triggers (config or extension
// changes, provider tool-list notifications) into a single refresh after a
// short window. Overlapping triggers share one in-flight refresh via Start's
// single-flight guard.
func (m *Manager) ScheduleRefresh() {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(m.debounce, func() {
		if err := m.Start(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("mcp refresh finished with errors")
		}
	})
}

func (m *Manager) cancelPendingRefresh() {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// dropClient stops a client and removes its tools from the registry. Caller
// must hold the server's name lock.
func (m *Manager) dropClient(name string) {
	m.mu.Lock()
	conn := m.clients[name]
	names := m.registered[name]
	delete(m.clients, name)
	delete(m.registered, name)
	m.mu.Unlock()

	for _, toolName := range names {
		m.registry.Unregister(toolName)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Warn().Str("server", name).Err(err).Msg("close mcp client")
		}
	}
}

// pruneDisabled stops clients whose servers were removed or disabled.
func (m *Manager) pruneDisabled(enabled map[string]struct{}) {
	m.mu.Lock()
	var stale []string
	for name := range m.clients {
		if _, ok := enabled[name]; !ok {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		lock := m.nameLock(name)
		lock.Lock()
		m.dropClient(name)
		lock.Unlock()
	}
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.nameLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.nameLocks[name] = lock
	}
	return lock
}
