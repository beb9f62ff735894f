// Package confirm obtains a proceed/cancel decision for tool calls the
// policy engine routed to human review. Decisions travel over the message
// bus so any host surface (terminal, editor, chat channel) can answer them.
package confirm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/toolgate/pkg/bus"
	"github.com/stellarlinkco/toolgate/pkg/tool"
)

// CallRef identifies the tool call under review. Only UI-safe fields cross
// this boundary.
type CallRef struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Request is the payload of a TOOL_CONFIRMATION_REQUEST message.
type Request struct {
	ToolCall CallRef                  `json:"toolCall"`
	Details  tool.ConfirmationDetails `json:"confirmationDetails"`
}

// Response is the payload of a TOOL_CONFIRMATION_RESPONSE message.
// RequiresUserConfirmation marks a provisional answer: "I cannot decide, a
// human must still respond." Such answers never resolve a confirmation.
type Response struct {
	Confirmed                bool `json:"confirmed"`
	RequiresUserConfirmation bool `json:"requiresUserConfirmation,omitempty"`
}

// Outcome is the resolved confirmation decision.
type Outcome int

const (
	ProceedOnce Outcome = iota
	Cancel
)

func (o Outcome) String() string {
	if o == ProceedOnce {
		return "proceed_once"
	}
	return "cancel"
}

// Strategy asks for confirmation over the bus and waits for an authoritative
// answer. There is no timeout of its own: a confirmation may stay outstanding
// for a human-scale duration, bounded only by the caller's context.
type Strategy struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewStrategy builds a strategy on the given bus.
func NewStrategy(b *bus.Bus, log zerolog.Logger) *Strategy {
	return &Strategy{bus: b, log: log}
}

// Confirm publishes a confirmation request and resolves on the first
// authoritative response with a matching correlation ID. Responses flagged
// RequiresUserConfirmation are provisional and keep the wait alive. Context
// cancellation resolves Cancel immediately. Publish failures fail closed:
// a bus error is never treated as approval.
func (s *Strategy) Confirm(ctx context.Context, call CallRef, details tool.ConfirmationDetails) (Outcome, error) {
	if s == nil || s.bus == nil {
		return Cancel, fmt.Errorf("confirm: no bus configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	correlationID := uuid.NewString()
	respCh := make(chan Response, 16)
	unsubscribe := s.bus.Subscribe(bus.ToolConfirmationResponse, func(msg bus.Message) {
		if msg.CorrelationID != correlationID {
			return
		}
		resp, ok := msg.Payload.(Response)
		if !ok {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	})
	defer unsubscribe()

	err := s.bus.Publish(bus.Message{
		Type:          bus.ToolConfirmationRequest,
		CorrelationID: correlationID,
		Payload:       Request{ToolCall: call, Details: details},
	})
	if err != nil {
		return Cancel, fmt.Errorf("confirm: publish request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Cancel, nil
		case resp := <-respCh:
			if resp.RequiresUserConfirmation {
				s.log.Debug().Str("call", call.ID).
					Msg("provisional confirmation response, waiting for a human")
				continue
			}
			if resp.Confirmed {
				return ProceedOnce, nil
			}
			return Cancel, nil
		}
	}
}
