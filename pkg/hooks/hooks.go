// Package hooks defines the interception points the host can bind scripts to
// and the request/response contract they travel under on the message bus.
// Script execution mechanics belong to the host; the runtime only sees the
// structured output.
package hooks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/bus"
)

// Event names a hookable point in the tool lifecycle.
type Event string

const (
	BeforeTool     Event = "BeforeTool"
	AfterTool      Event = "AfterTool"
	BeforeSubAgent Event = "BeforeSubAgent"
	AfterSubAgent  Event = "AfterSubAgent"
)

// Request is the payload of a HOOK_EXECUTION_REQUEST message.
type Request struct {
	Event Event          `json:"eventName"`
	Input map[string]any `json:"input,omitempty"`
}

// Response is the payload of a HOOK_EXECUTION_RESPONSE message.
type Response struct {
	Success bool    `json:"success"`
	Output  *Output `json:"output,omitempty"`
}

// DecisionDeny is the Output.Decision value that vetoes a call or result.
const DecisionDeny = "deny"

// Output is the structured result a hook hands back. All fields are
// optional; a nil Output means the hook had nothing to say.
type Output struct {
	Continue           *bool           `json:"continue,omitempty"`
	StopReason         string          `json:"stopReason,omitempty"`
	Decision           string          `json:"decision,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// SpecificOutput carries event-specific fields of a hook's output.
type SpecificOutput struct {
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// Halts reports whether the output asks the turn to stop.
func (o *Output) Halts() bool {
	return o != nil && o.Continue != nil && !*o.Continue
}

// Denies reports whether the output vetoes the call or its result.
func (o *Output) Denies() bool {
	return o != nil && o.Decision == DecisionDeny
}

// AdditionalContext returns the context text a hook wants appended to a
// successful result, if any.
func (o *Output) AdditionalContext() string {
	if o == nil || o.HookSpecificOutput == nil {
		return ""
	}
	return o.HookSpecificOutput.AdditionalContext
}

// Dispatcher round-trips hook requests over the message bus.
type Dispatcher struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewDispatcher builds a dispatcher on the given bus.
func NewDispatcher(b *bus.Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{bus: b, log: log}
}

// Run fires one hook round-trip and returns its output. Transport failures
// (no subscriber, bus timeout) are treated as "hook absent" and fail open: a
// missing hook never blocks a turn. Context cancellation is surfaced so an
// aborted batch stops promptly.
func (d *Dispatcher) Run(ctx context.Context, event Event, input map[string]any) (*Output, error) {
	if d == nil || d.bus == nil {
		return nil, nil
	}
	if !d.bus.HasSubscribers(bus.HookExecutionRequest) {
		// No hook host is listening; same as the hook being absent. Waiting
		// out the request timeout here would stall every tool call.
		return nil, nil
	}
	resp, err := d.bus.Request(ctx, bus.Message{
		Type:    bus.HookExecutionRequest,
		Payload: Request{Event: event, Input: input},
	}, bus.HookExecutionResponse)
	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.Debug().Str("event", string(event)).Err(err).
			Msg("hook transport failed, continuing without hook")
		return nil, nil
	}

	payload, ok := resp.Payload.(Response)
	if !ok {
		d.log.Warn().Str("event", string(event)).
			Msg("hook response payload has unexpected shape, ignoring")
		return nil, nil
	}
	if !payload.Success {
		d.log.Debug().Str("event", string(event)).
			Msg("hook reported failure, continuing without hook output")
		return nil, nil
	}
	return payload.Output, nil
}
