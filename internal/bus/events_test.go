package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewMessageBus(1)
	if err := b.Publish(context.Background(), InboundMessage{UserID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := <-b.Inbound
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if got.Content != "hi" {
		t.Errorf("content = %q, want hi", got.Content)
	}
}

func TestPublishHonoursContext(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Publish(ctx, InboundMessage{UserID: "u1"}); err != context.DeadlineExceeded {
		t.Errorf("Publish error = %v, want deadline exceeded", err)
	}
}

func TestRespond(t *testing.T) {
	var got Result
	msg := InboundMessage{Reply: func(r Result) { got = r }}
	msg.Respond(Result{Seq: 7})
	if got.Seq != 7 {
		t.Errorf("seq = %d, want 7", got.Seq)
	}

	// No reply callback is a no-op.
	(&InboundMessage{}).Respond(Result{Seq: 1})
}
