package confirm

import (
	"github.com/stellarlinkco/toolgate/pkg/bus"
)

// AutoDecision is what an auto-responder does with a confirmation request.
type AutoDecision int

const (
	// AutoDefer answers provisionally: the request stays open for a human.
	AutoDefer AutoDecision = iota
	// AutoAllow approves the request without a human.
	AutoAllow
	// AutoCancel rejects the request without a human.
	AutoCancel
)

// Decider maps a confirmation request to an automatic decision.
type Decider func(Request) AutoDecision

// NewAutoResponder subscribes a default-policy handler that may answer its
// own published confirmation requests before a real UI does. It is a plain
// low-priority subscriber: deferrals are sent as provisional responses
// (RequiresUserConfirmation=true) which the Strategy ignores, so an
// interactive handler can still answer authoritatively later. The returned
// function removes the subscription.
func NewAutoResponder(b *bus.Bus, decide Decider) func() {
	if b == nil || decide == nil {
		return func() {}
	}
	return b.Subscribe(bus.ToolConfirmationRequest, func(msg bus.Message) {
		req, ok := msg.Payload.(Request)
		if !ok {
			return
		}
		resp := Response{}
		switch decide(req) {
		case AutoAllow:
			resp.Confirmed = true
		case AutoCancel:
			resp.Confirmed = false
		default:
			resp.RequiresUserConfirmation = true
		}
		_ = b.Publish(bus.Message{
			Type:          bus.ToolConfirmationResponse,
			CorrelationID: msg.CorrelationID,
			Payload:       resp,
		})
	})
}
