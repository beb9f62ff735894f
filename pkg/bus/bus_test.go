package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(2)

	var mu sync.Mutex
	got := make([]string, 0, 2)
	for _, id := range []string{"first", "second"} {
		id := id
		b.Subscribe(ToolConfirmationRequest, func(msg Message) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			wg.Done()
		})
	}

	if err := b.Publish(Message{Type: ToolConfirmationRequest}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	wg.Wait()

	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
}

func TestPublishIsolatesPanickingSubscriber(t *testing.T) {
	b := New()
	delivered := make(chan struct{})

	b.Subscribe(HookExecutionRequest, func(Message) {
		panic("handler bug")
	})
	b.Subscribe(HookExecutionRequest, func(Message) {
		close(delivered)
	})

	if err := b.Publish(Message{Type: HookExecutionRequest}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber never received the message")
	}
}

func TestPublishValidation(t *testing.T) {
	b := New()
	if err := b.Publish(Message{}); err == nil {
		t.Fatal("publish without a type should fail")
	}

	b.Close()
	if err := b.Publish(Message{Type: ToolConfirmationRequest}); err == nil {
		t.Fatal("publish on a closed bus should fail")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	hits := make(chan struct{}, 4)
	unsubscribe := b.Subscribe(ToolConfirmationResponse, func(Message) {
		hits <- struct{}{}
	})

	unsubscribe()
	unsubscribe() // second call must be a no-op

	if err := b.Publish(Message{Type: ToolConfirmationResponse}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-hits:
		t.Fatal("unsubscribed handler still received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHasSubscribers(t *testing.T) {
	b := New()
	if b.HasSubscribers(HookExecutionRequest) {
		t.Fatal("fresh bus should have no subscribers")
	}
	unsubscribe := b.Subscribe(HookExecutionRequest, func(Message) {})
	if !b.HasSubscribers(HookExecutionRequest) {
		t.Fatal("subscription not visible")
	}
	if b.HasSubscribers(ToolConfirmationRequest) {
		t.Fatal("subscription leaked across types")
	}
	unsubscribe()
	if b.HasSubscribers(HookExecutionRequest) {
		t.Fatal("unsubscribe not visible")
	}
}

func TestRequestResolvesOnMatchingCorrelationID(t *testing.T) {
	b := New()
	b.Subscribe(ToolConfirmationRequest, func(msg Message) {
		// A mismatched response first; it must be ignored.
		_ = b.Publish(Message{
			Type:          ToolConfirmationResponse,
			CorrelationID: "someone-else",
			Payload:       "wrong",
		})
		_ = b.Publish(Message{
			Type:          ToolConfirmationResponse,
			CorrelationID: msg.CorrelationID,
			Payload:       "right",
		})
	})

	resp, err := b.Request(context.Background(), Message{Type: ToolConfirmationRequest}, ToolConfirmationResponse)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload != "right" {
		t.Fatalf("payload = %v, want the correlated response", resp.Payload)
	}
}

func TestRequestInjectsCorrelationID(t *testing.T) {
	b := New()
	seen := make(chan string, 1)
	b.Subscribe(HookExecutionRequest, func(msg Message) {
		seen <- msg.CorrelationID
		_ = b.Publish(Message{Type: HookExecutionResponse, CorrelationID: msg.CorrelationID})
	})

	if _, err := b.Request(context.Background(), Message{Type: HookExecutionRequest}, HookExecutionResponse); err != nil {
		t.Fatalf("request: %v", err)
	}
	if id := <-seen; id == "" {
		t.Fatal("request should inject a correlation ID when absent")
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := New(WithRequestTimeout(50 * time.Millisecond))

	_, err := b.Request(context.Background(), Message{Type: HookExecutionRequest}, HookExecutionResponse)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
}

func TestRequestHonorsContextCancellation(t *testing.T) {
	b := New(WithRequestTimeout(10 * time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, Message{Type: ToolConfirmationRequest}, ToolConfirmationResponse)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not return after cancellation")
	}
}
