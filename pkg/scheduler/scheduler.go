// Package scheduler orchestrates one batch of tool-call requests from a
// single LLM turn through validation, policy, confirmation, execution and
// hook post-processing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/confirm"
	"github.com/stellarlinkco/toolgate/pkg/hooks"
	"github.com/stellarlinkco/toolgate/pkg/policy"
	"github.com/stellarlinkco/toolgate/pkg/tool"
)

// Scheduler runs batches of tool calls. Calls in a batch run concurrently;
// mutating calls sharing a resource key are serialized so interleaved
// confirmation and execution cannot corrupt shared state. One call's failure
// never aborts its siblings; only the batch context cancels everything
// outstanding.
type Scheduler struct {
	registry *tool.Registry
	engine   *policy.Engine
	mode     policy.Mode
	hooks    *hooks.Dispatcher
	confirm  *confirm.Strategy
	notify   Notifier
	log      zerolog.Logger

	keyMu    sync.Mutex
	keyLocks map[string]*keyLock
}

// keyLock is a refcounted mutex for one resource key. Entries leave the map
// as soon as no call holds or waits on them, so a long-lived runtime does
// not accumulate a mutex per key it ever saw.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMode sets the approval mode consulted on every policy check.
func WithMode(mode policy.Mode) Option {
	return func(s *Scheduler) { s.mode = mode }
}

// WithNotifier installs the live-progress callback.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notify = n }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New builds a scheduler. registry, engine, hook dispatcher and confirmation
// strategy are owned by the composition root and shared across batches.
func New(registry *tool.Registry, engine *policy.Engine, hookDispatcher *hooks.Dispatcher, strategy *confirm.Strategy, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: registry,
		engine:   engine,
		mode:     policy.ModeDefault,
		hooks:    hookDispatcher,
		confirm:  strategy,
		log:      zerolog.Nop(),
		keyLocks: make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule runs one batch and returns its results in original request order
// once every call has settled, regardless of completion order. The registry
// is snapshotted up front so a concurrent MCP refresh cannot invalidate the
// batch mid-flight.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) []Result {
	if ctx == nil {
		ctx = context.Background()
	}
	snapshot := s.registry.Snapshot()

	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i := range reqs {
		call := &toolCall{req: reqs[i]}
		go func(idx int) {
			defer wg.Done()
			s.run(ctx, snapshot, call)
			results[idx] = call.toResult()
		}(i)
	}
	wg.Wait()
	return results
}

// run drives one call through its state machine. All failures are recorded
// on the call; nothing escapes.
func (s *Scheduler) run(ctx context.Context, snapshot *tool.Snapshot, call *toolCall) {
	call.startedAt = time.Now()
	defer func() { call.completedAt = time.Now() }()

	s.transition(call, StatusValidating)

	resolved, ok := snapshot.Get(call.req.Name)
	if !ok {
		s.fail(call, ErrUnknownTool, fmt.Sprintf("tool %q is not registered", call.req.Name))
		return
	}
	call.tool = resolved

	if err := snapshot.Validate(resolved, call.req.Args); err != nil {
		s.fail(call, ErrInvalidToolParams, err.Error())
		return
	}

	// Mutating calls sharing a resource key hold the key for the whole
	// confirmation+execution span.
	if unlock := s.lockResource(resolved, call.req.Args); unlock != nil {
		defer unlock()
	}

	if aborted(ctx) {
		s.cancel(call, "batch cancelled")
		return
	}

	// Client-initiated calls were requested by the host itself, not the
	// model; they bypass the confirmation gate but still honor deny rules.
	decision := s.engine.Check(call.req.Name, call.req.Args, s.mode)
	if call.req.ClientInitiated && decision == policy.AskUser {
		decision = policy.Allow
	}

	switch decision {
	case policy.Deny:
		// Must be reported, never silently dropped.
		s.fail(call, ErrPolicyDenied, fmt.Sprintf("tool %q denied by policy", call.req.Name))
		return
	case policy.AskUser:
		if !s.approve(ctx, call) {
			return
		}
	}

	s.transition(call, StatusScheduled)
	s.execute(ctx, call)
}

// approve runs the BeforeTool hook and then the confirmation round-trip.
// It returns false when the call settled (denied, stopped or cancelled).
func (s *Scheduler) approve(ctx context.Context, call *toolCall) bool {
	s.transition(call, StatusAwaitingApproval)

	out, err := s.hooks.Run(ctx, hooks.BeforeTool, map[string]any{
		"tool_name":   call.req.Name,
		"tool_input":  call.req.Args,
		"tool_use_id": call.req.CallID,
	})
	if err != nil {
		s.cancel(call, "batch cancelled during BeforeTool hook")
		return false
	}
	if out.Halts() {
		s.fail(call, ErrStopExecution, stopReason(out))
		return false
	}
	if out.Denies() {
		s.fail(call, ErrPolicyDenied, denyReason(out, "denied by BeforeTool hook"))
		return false
	}

	outcome, err := s.confirm.Confirm(ctx, confirm.CallRef{
		ID:   call.req.CallID,
		Name: call.req.Name,
		Args: call.req.Args,
	}, confirmationDetails(call.tool, call.req.Args))
	if err != nil {
		// Fail closed: a bus error is never treated as approval.
		s.log.Warn().Str("call", call.req.CallID).Err(err).Msg("confirmation transport failed")
		s.cancel(call, "confirmation unavailable")
		return false
	}
	if outcome != confirm.ProceedOnce {
		s.cancel(call, "declined by user")
		return false
	}
	return true
}

// execute runs the invocation under the batch's cancellation signal and
// applies the AfterTool hook to its outcome.
func (s *Scheduler) execute(ctx context.Context, call *toolCall) {
	if aborted(ctx) {
		s.cancel(call, "batch cancelled")
		return
	}
	s.transition(call, StatusExecuting)

	result, execErr := call.tool.Execute(ctx, call.req.Args)
	if execErr != nil {
		if aborted(ctx) {
			s.cancel(call, "batch cancelled")
			return
		}
		var remote *tool.RemoteError
		if errors.As(execErr, &remote) {
			s.fail(call, ErrMCPTool, execErr.Error())
			return
		}
		s.fail(call, ErrExecutionFailed, execErr.Error())
		return
	}
	if aborted(ctx) {
		s.cancel(call, "batch cancelled")
		return
	}
	if result == nil {
		result = &tool.Result{}
	}

	out, err := s.hooks.Run(ctx, hooks.AfterTool, map[string]any{
		"tool_name":   call.req.Name,
		"tool_input":  call.req.Args,
		"tool_use_id": call.req.CallID,
		"tool_result": result.Content,
	})
	if err != nil {
		s.cancel(call, "batch cancelled during AfterTool hook")
		return
	}
	if out.Halts() {
		s.fail(call, ErrStopExecution, stopReason(out))
		return
	}
	if out.Denies() {
		// The execution itself succeeded; the hook vetoed the result.
		s.fail(call, ErrExecutionFailed, denyReason(out, "result denied by AfterTool hook"))
		return
	}
	if extra := out.AdditionalContext(); extra != "" {
		result.Content += "\n" + extra
	}

	call.result = result
	s.transition(call, StatusSuccess)
}

func (s *Scheduler) fail(call *toolCall, kind ErrorKind, msg string) {
	call.err = newToolError(kind, msg)
	s.transition(call, StatusError)
}

func (s *Scheduler) cancel(call *toolCall, msg string) {
	call.err = newToolError(ErrAborted, msg)
	s.transition(call, StatusCancelled)
}

func (s *Scheduler) transition(call *toolCall, status Status) {
	call.status = status
	if s.notify != nil {
		s.notify(Update{
			CallID: call.req.CallID,
			Name:   call.req.Name,
			Status: status,
			Err:    call.err,
		})
	}
}

// lockResource serializes mutating calls on the same resource key. Pure
// reads (tools not implementing Mutator, or with an empty key) run fully in
// parallel.
func (s *Scheduler) lockResource(t tool.Tool, args map[string]any) func() {
	mutator, ok := t.(tool.Mutator)
	if !ok {
		return nil
	}
	key := mutator.ResourceKey(args)
	if key == "" {
		return nil
	}

	s.keyMu.Lock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &keyLock{}
		s.keyLocks[key] = lock
	}
	lock.refs++
	s.keyMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.keyMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.keyMu.Unlock()
	}
}

func confirmationDetails(t tool.Tool, args map[string]any) tool.ConfirmationDetails {
	if c, ok := t.(tool.Confirmer); ok {
		return c.ConfirmationDetails(args)
	}
	return tool.ConfirmationDetails{
		Kind:   tool.ConfirmInfo,
		Title:  t.Name(),
		Prompt: t.Description(),
	}
}

func stopReason(out *hooks.Output) string {
	if out != nil && out.StopReason != "" {
		return out.StopReason
	}
	return "stopped by hook"
}

func denyReason(out *hooks.Output, fallback string) string {
	if out != nil && out.Reason != "" {
		return out.Reason
	}
	return fallback
}

func aborted(ctx context.Context) bool {
	return ctx != nil && ctx.Err() != nil
}
