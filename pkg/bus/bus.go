// Package bus provides the in-process message bus that carries confirmation
// and hook traffic between the tool scheduler and its host. It is not a
// general-purpose broker: delivery is best-effort fan-out, and request
// round-trips are matched purely by correlation ID.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessageType routes a message to its subscribers.
type MessageType string

const (
	ToolConfirmationRequest  MessageType = "TOOL_CONFIRMATION_REQUEST"
	ToolConfirmationResponse MessageType = "TOOL_CONFIRMATION_RESPONSE"
	HookExecutionRequest     MessageType = "HOOK_EXECUTION_REQUEST"
	HookExecutionResponse    MessageType = "HOOK_EXECUTION_RESPONSE"
)

// Message is the envelope published on the bus. Payload shapes are owned by
// the packages that produce them and must stay JSON-serializable.
type Message struct {
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Payload       any         `json:"payload,omitempty"`
}

// Handler processes one delivered message.
type Handler func(Message)

// ErrRequestTimeout reports that no matching response arrived in time.
var ErrRequestTimeout = errors.New("bus: request timed out")

const defaultRequestTimeout = 30 * time.Second

// Bus fans messages out to subscribers by type. A subscriber's failure never
// propagates back to the publisher: each delivery runs in its own goroutine
// and panics are swallowed.
type Bus struct {
	mu             sync.RWMutex
	subs           map[MessageType]map[int64]Handler
	nextID         atomic.Int64
	closed         atomic.Bool
	requestTimeout time.Duration
	log            zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRequestTimeout sets the default deadline for Request round-trips.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithLogger attaches a logger for dropped messages and handler panics.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// New constructs a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[MessageType]map[int64]Handler),
		requestTimeout: defaultRequestTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close stops accepting publishes. Outstanding deliveries finish on their own.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closed.Store(true)
}

// HasSubscribers reports whether any handler is currently registered for
// the type. Request callers use it to skip round-trips nobody can answer.
func (b *Bus) HasSubscribers(t MessageType) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t]) > 0
}

// Publish delivers the message asynchronously to every subscriber of its
// type. Messages with no subscribers are dropped silently.
func (b *Bus) Publish(msg Message) error {
	if b == nil {
		return errors.New("bus: nil bus")
	}
	if b.closed.Load() {
		return errors.New("bus: closed")
	}
	if msg.Type == "" {
		return errors.New("bus: missing message type")
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[msg.Type]))
	for _, h := range b.subs[msg.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Str("type", string(msg.Type)).
						Interface("panic", r).Msg("bus subscriber panicked")
				}
			}()
			h(msg)
		}()
	}
	return nil
}

// Subscribe registers a handler for a message type. Multiple handlers may
// coexist per type. The returned function removes the subscription and is
// safe to call more than once.
func (b *Bus) Subscribe(t MessageType, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[int64]Handler)
	}
	id := b.nextID.Add(1)
	b.subs[t][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[t], id)
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		})
	}
}

// Request publishes req and blocks until the first message of responseType
// carrying the same correlation ID arrives, the context is cancelled, or the
// bus request timeout elapses. A correlation ID is injected when absent.
// Responses with unmatched correlation IDs are ignored.
func (b *Bus) Request(ctx context.Context, req Message, responseType MessageType) (Message, error) {
	if b == nil {
		return Message{}, errors.New("bus: nil bus")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	respCh := make(chan Message, 1)
	unsubscribe := b.Subscribe(responseType, func(msg Message) {
		if msg.CorrelationID != req.CorrelationID {
			return
		}
		select {
		case respCh <- msg:
		default:
		}
	})
	defer unsubscribe()

	if err := b.Publish(req); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, fmt.Errorf("%w after %s (type %s)", ErrRequestTimeout, b.requestTimeout, req.Type)
	}
}
