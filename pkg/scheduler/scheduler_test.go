package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/bus"
	"github.com/stellarlinkco/toolgate/pkg/confirm"
	"github.com/stellarlinkco/toolgate/pkg/hooks"
	"github.com/stellarlinkco/toolgate/pkg/policy"
	"github.com/stellarlinkco/toolgate/pkg/tool"
)

type fakeTool struct {
	name    string
	schema  *tool.JSONSchema
	execute func(ctx context.Context, args map[string]any) (*tool.Result, error)
}

func (f *fakeTool) Name() string             { return f.name }
func (f *fakeTool) Description() string      { return "test tool " + f.name }
func (f *fakeTool) Schema() *tool.JSONSchema { return f.schema }

func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return &tool.Result{Content: "ok from " + f.name}, nil
}

type mutatingTool struct {
	fakeTool
	key string
}

func (m *mutatingTool) ResourceKey(map[string]any) string { return m.key }

type fixture struct {
	registry *tool.Registry
	bus      *bus.Bus
	sched    *Scheduler
}

// newFixture builds a scheduler on a bus with a short request timeout so
// absent hooks fail open quickly instead of stalling the test.
func newFixture(t *testing.T, rules policy.Rules, opts ...Option) *fixture {
	t.Helper()
	engine, err := policy.NewEngine(rules)
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	registry := tool.NewRegistry()
	b := bus.New(bus.WithRequestTimeout(100 * time.Millisecond))
	sched := New(
		registry,
		engine,
		hooks.NewDispatcher(b, zerolog.Nop()),
		confirm.NewStrategy(b, zerolog.Nop()),
		opts...,
	)
	return &fixture{registry: registry, bus: b, sched: sched}
}

func (f *fixture) register(t *testing.T, tools ...tool.Tool) {
	t.Helper()
	for _, tl := range tools {
		if err := f.registry.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}
}

// confirmAll answers every confirmation request with the given decision.
func (f *fixture) confirmAll(confirmed bool) {
	f.bus.Subscribe(bus.ToolConfirmationRequest, func(msg bus.Message) {
		_ = f.bus.Publish(bus.Message{
			Type:          bus.ToolConfirmationResponse,
			CorrelationID: msg.CorrelationID,
			Payload:       confirm.Response{Confirmed: confirmed},
		})
	})
}

// bindHook answers hook requests for one event; other events fail open via
// the bus timeout.
func (f *fixture) bindHook(event hooks.Event, out *hooks.Output) {
	f.bus.Subscribe(bus.HookExecutionRequest, func(msg bus.Message) {
		req, ok := msg.Payload.(hooks.Request)
		if !ok || req.Event != event {
			return
		}
		_ = f.bus.Publish(bus.Message{
			Type:          bus.HookExecutionResponse,
			CorrelationID: msg.CorrelationID,
			Payload:       hooks.Response{Success: true, Output: out},
		})
	})
}

func TestScheduleReturnsResultsInRequestOrder(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	slow := &fakeTool{name: "slow", execute: func(context.Context, map[string]any) (*tool.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &tool.Result{Content: "slow done"}, nil
	}}
	f.register(t, slow, &fakeTool{name: "fast"})

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "slow"},
		{CallID: "c2", Name: "missing"},
		{CallID: "c3", Name: "fast"},
	})

	if len(results) != 3 {
		t.Fatalf("results length = %d, want 3", len(results))
	}
	for i, wantID := range []string{"c1", "c2", "c3"} {
		if results[i].CallID != wantID {
			t.Fatalf("results[%d].CallID = %s, want %s (original request order)", i, results[i].CallID, wantID)
		}
	}
	if results[0].Status != StatusSuccess || results[0].Content != "slow done" {
		t.Fatalf("results[0] = %+v, want success", results[0])
	}
	if results[1].Status != StatusError || results[1].Err == nil || results[1].Err.Kind != ErrUnknownTool {
		t.Fatalf("results[1] = %+v, want UNKNOWN_TOOL error", results[1])
	}
	if results[2].Status != StatusSuccess {
		t.Fatalf("results[2] = %+v, want success", results[2])
	}
}

func TestScheduleValidatesParams(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	f.register(t, &fakeTool{name: "typed", schema: &tool.JSONSchema{
		Type:       "object",
		Properties: map[string]*tool.JSONSchema{"path": {Type: "string"}},
		Required:   []string{"path"},
	}})

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "typed", Args: map[string]any{}},
	})

	if results[0].Status != StatusError || results[0].Err.Kind != ErrInvalidToolParams {
		t.Fatalf("result = %+v, want INVALID_TOOL_PARAMS", results[0])
	}
}

func TestSchedulePolicyDenyIsReported(t *testing.T) {
	f := newFixture(t, policy.Rules{Deny: []string{"blocked"}}, WithMode(policy.ModeAutonomous))
	executed := false
	f.register(t, &fakeTool{name: "blocked", execute: func(context.Context, map[string]any) (*tool.Result, error) {
		executed = true
		return nil, nil
	}})

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "blocked"}})

	if results[0].Status != StatusError || results[0].Err.Kind != ErrPolicyDenied {
		t.Fatalf("result = %+v, want POLICY_DENIED", results[0])
	}
	if executed {
		t.Fatal("denied tool must not execute")
	}
}

func TestScheduleConfirmationApproved(t *testing.T) {
	f := newFixture(t, policy.Rules{}) // default mode, unmatched calls ask
	f.register(t, &fakeTool{name: "gated"})
	f.confirmAll(true)

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "gated"}})

	if results[0].Status != StatusSuccess {
		t.Fatalf("result = %+v, want success after approval", results[0])
	}
}

func TestScheduleConfirmationDeclined(t *testing.T) {
	f := newFixture(t, policy.Rules{})
	executed := false
	f.register(t, &fakeTool{name: "gated", execute: func(context.Context, map[string]any) (*tool.Result, error) {
		executed = true
		return nil, nil
	}})
	f.confirmAll(false)

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "gated"}})

	if results[0].Status != StatusCancelled || results[0].Err.Kind != ErrAborted {
		t.Fatalf("result = %+v, want cancelled with ABORTED", results[0])
	}
	if !strings.Contains(results[0].Err.Message, "declined by user") {
		t.Fatalf("message = %q, want decline reason", results[0].Err.Message)
	}
	if executed {
		t.Fatal("declined tool must not execute")
	}
}

func TestScheduleClientInitiatedBypassesConfirmation(t *testing.T) {
	f := newFixture(t, policy.Rules{}) // default mode; nobody answers confirmations
	f.register(t, &fakeTool{name: "internal"})

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "internal", ClientInitiated: true},
	})

	if results[0].Status != StatusSuccess {
		t.Fatalf("result = %+v, want client-initiated call to run unconfirmed", results[0])
	}
}

func TestScheduleClientInitiatedStillDenied(t *testing.T) {
	f := newFixture(t, policy.Rules{Deny: []string{"internal"}})
	f.register(t, &fakeTool{name: "internal"})

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "internal", ClientInitiated: true},
	})

	if results[0].Status != StatusError || results[0].Err.Kind != ErrPolicyDenied {
		t.Fatalf("result = %+v, want deny rules to bind client-initiated calls", results[0])
	}
}

func TestScheduleBeforeToolHookHalts(t *testing.T) {
	f := newFixture(t, policy.Rules{})
	f.register(t, &fakeTool{name: "gated"})
	f.confirmAll(true)
	halt := false
	f.bindHook(hooks.BeforeTool, &hooks.Output{Continue: &halt, StopReason: "quota exhausted"})

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "gated"}})

	if results[0].Status != StatusError || results[0].Err.Kind != ErrStopExecution {
		t.Fatalf("result = %+v, want STOP_EXECUTION", results[0])
	}
	if results[0].Err.Message != "quota exhausted" {
		t.Fatalf("message = %q, want the hook's stop reason", results[0].Err.Message)
	}
}

func TestScheduleBeforeToolHookDenies(t *testing.T) {
	f := newFixture(t, policy.Rules{})
	f.register(t, &fakeTool{name: "gated"})
	f.confirmAll(true)
	f.bindHook(hooks.BeforeTool, &hooks.Output{Decision: hooks.DecisionDeny, Reason: "touches prod"})

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "gated"}})

	if results[0].Status != StatusError || results[0].Err.Kind != ErrPolicyDenied {
		t.Fatalf("result = %+v, want POLICY_DENIED from hook", results[0])
	}
	if results[0].Err.Message != "touches prod" {
		t.Fatalf("message = %q, want the hook's reason", results[0].Err.Message)
	}
}

func TestScheduleAfterToolHookVetoesResult(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	executed := false
	f.register(t, &fakeTool{name: "dump", execute: func(context.Context, map[string]any) (*tool.Result, error) {
		executed = true
		return &tool.Result{Content: "secrets"}, nil
	}})
	f.bindHook(hooks.AfterTool, &hooks.Output{Decision: hooks.DecisionDeny, Reason: "output redacted"})

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "dump"}})

	if !executed {
		t.Fatal("tool should have executed before the veto")
	}
	if results[0].Status != StatusError || results[0].Err.Kind != ErrExecutionFailed {
		t.Fatalf("result = %+v, want EXECUTION_FAILED despite successful execution", results[0])
	}
	if results[0].Err.Message != "output redacted" {
		t.Fatalf("message = %q, want the hook's reason", results[0].Err.Message)
	}
}

func TestScheduleAfterToolHookAppendsContext(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	f.register(t, &fakeTool{name: "build"})
	f.bindHook(hooks.AfterTool, &hooks.Output{
		HookSpecificOutput: &hooks.SpecificOutput{AdditionalContext: "lint passed"},
	})

	results := f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "build"}})

	if results[0].Status != StatusSuccess {
		t.Fatalf("result = %+v, want success", results[0])
	}
	if !strings.HasSuffix(results[0].Content, "lint passed") {
		t.Fatalf("content = %q, want hook context appended", results[0].Content)
	}
}

func TestScheduleExecutionFailure(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	f.register(t,
		&fakeTool{name: "broken", execute: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, errors.New("disk full")
		}},
		&fakeTool{name: "remote", execute: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, &tool.RemoteError{Server: "github", Err: errors.New("connection reset")}
		}},
	)

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "broken"},
		{CallID: "c2", Name: "remote"},
	})

	if results[0].Err == nil || results[0].Err.Kind != ErrExecutionFailed {
		t.Fatalf("results[0] = %+v, want EXECUTION_FAILED", results[0])
	}
	if results[1].Err == nil || results[1].Err.Kind != ErrMCPTool {
		t.Fatalf("results[1] = %+v, want MCP_TOOL_ERROR", results[1])
	}
}

func TestScheduleOneFailureDoesNotAbortSiblings(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	f.register(t,
		&fakeTool{name: "fails", execute: func(context.Context, map[string]any) (*tool.Result, error) {
			return nil, errors.New("boom")
		}},
		&fakeTool{name: "works"},
	)

	results := f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "fails"},
		{CallID: "c2", Name: "works"},
	})

	if results[0].Status != StatusError {
		t.Fatalf("results[0] = %+v, want error", results[0])
	}
	if results[1].Status != StatusSuccess {
		t.Fatalf("results[1] = %+v, sibling must be unaffected", results[1])
	}
}

func TestScheduleBatchCancellation(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))
	ctx, cancel := context.WithCancel(context.Background())
	f.register(t, &fakeTool{name: "hang", execute: func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results := f.sched.Schedule(ctx, []Request{{CallID: "c1", Name: "hang"}})

	if results[0].Status != StatusCancelled || results[0].Err.Kind != ErrAborted {
		t.Fatalf("result = %+v, want cancelled with ABORTED", results[0])
	}
}

func TestScheduleSerializesSharedResourceKey(t *testing.T) {
	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous))

	var active, maxActive int32
	exec := func(context.Context, map[string]any) (*tool.Result, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &tool.Result{}, nil
	}
	f.register(t,
		&mutatingTool{fakeTool: fakeTool{name: "writer_a", execute: exec}, key: "/tmp/shared.txt"},
		&mutatingTool{fakeTool: fakeTool{name: "writer_b", execute: exec}, key: "/tmp/shared.txt"},
	)

	f.sched.Schedule(context.Background(), []Request{
		{CallID: "c1", Name: "writer_a"},
		{CallID: "c2", Name: "writer_b"},
	})

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent executions on shared key = %d, want 1", got)
	}

	// Key locks are refcounted; a settled batch leaves none behind.
	f.sched.keyMu.Lock()
	remaining := len(f.sched.keyLocks)
	f.sched.keyMu.Unlock()
	if remaining != 0 {
		t.Fatalf("key locks remaining = %d, want the map drained", remaining)
	}
}

func TestScheduleNotifierSeesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	notify := func(u Update) {
		mu.Lock()
		seen = append(seen, u.Status)
		mu.Unlock()
	}

	f := newFixture(t, policy.Rules{}, WithMode(policy.ModeAutonomous), WithNotifier(notify))
	f.register(t, &fakeTool{name: "tracked"})

	f.sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "tracked"}})

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusValidating, StatusScheduled, StatusExecuting, StatusSuccess}
	if len(seen) != len(want) {
		t.Fatalf("updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("updates[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestScheduleWithoutHookHostDoesNotStall(t *testing.T) {
	// A host that binds no hook handler must not pay the bus request
	// timeout on every call.
	engine, err := policy.NewEngine(policy.Rules{})
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	registry := tool.NewRegistry()
	b := bus.New(bus.WithRequestTimeout(30 * time.Second))
	sched := New(
		registry,
		engine,
		hooks.NewDispatcher(b, zerolog.Nop()),
		confirm.NewStrategy(b, zerolog.Nop()),
		WithMode(policy.ModeAutonomous),
	)
	if err := registry.Register(&fakeTool{name: "quick"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	results := sched.Schedule(context.Background(), []Request{{CallID: "c1", Name: "quick"}})
	elapsed := time.Since(start)

	if results[0].Status != StatusSuccess {
		t.Fatalf("result = %+v, want success", results[0])
	}
	if elapsed > 2*time.Second {
		t.Fatalf("call took %s with no hook bound, want well under the bus timeout", elapsed)
	}
}

func TestScheduleEmptyBatch(t *testing.T) {
	f := newFixture(t, policy.Rules{})
	results := f.sched.Schedule(context.Background(), nil)
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
}
