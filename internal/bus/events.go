package bus

import (
	"context"
	"time"
)

// Result reports the outcome of storing one inbound message.
type Result struct {
	UserID    string
	MessageID int64
	Seq       int64
	Err       error
}

type InboundMessage struct {
	Channel   string
	UserID    string
	UserName  string
	Content   string
	Role      string // "user" or "bot"; empty means user
	Timestamp time.Time

	// Reply, when set, is called once the message was stored or rejected.
	Reply func(Result)
}

// Respond delivers r to the sender if it asked for a reply.
func (m *InboundMessage) Respond(r Result) {
	if m.Reply != nil {
		m.Reply(r)
	}
}

type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{Inbound: make(chan InboundMessage, bufSize)}
}

// Publish queues msg for the consumer, blocking while the buffer is full.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
