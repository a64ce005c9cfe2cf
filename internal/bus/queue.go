package bus

import (
	"context"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

const defaultQueueSize = 256

// MessageBus carries messages between channels and the agent core through
// two bounded FIFO queues. Producers block when a queue is full (or use the
// Try variants for a backpressure refusal); consumers block until a message
// arrives or the bus is closed.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a MessageBus.
type Option func(*options)

type options struct {
	inboundSize  int
	outboundSize int
}

// WithInboundSize overrides the inbound queue capacity.
func WithInboundSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboundSize = n
		}
	}
}

// WithOutboundSize overrides the outbound queue capacity.
func WithOutboundSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.outboundSize = n
		}
	}
}

// NewMessageBus creates a bus with bounded queues.
func NewMessageBus(opts ...Option) *MessageBus {
	o := options{inboundSize: defaultQueueSize, outboundSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, o.inboundSize),
		outbound:    make(chan OutboundMessage, o.outboundSize),
		subscribers: make(map[string][]func(OutboundMessage)),
		closed:      make(chan struct{}),
	}
}

// PublishInbound enqueues a message from a channel, blocking while the
// queue is full. Returns an error when ctx is cancelled or the bus closed.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return nberr.New(nberr.Resource, "bus closed")
	}
}

// TryPublishInbound enqueues without blocking. A full queue yields a
// Resource error so channels can apply their own retry policy.
func (b *MessageBus) TryPublishInbound(msg InboundMessage) error {
	select {
	case <-b.closed:
		return nberr.New(nberr.Resource, "bus closed")
	default:
	}
	select {
	case b.inbound <- msg:
		return nil
	default:
		return nberr.New(nberr.Resource, "inbound queue full")
	}
}

// PublishOutbound enqueues a response for delivery, blocking while full.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return nberr.New(nberr.Resource, "bus closed")
	}
}

// NextInbound blocks until a message is available. ok is false once the bus
// is closed and drained, or ctx is cancelled.
func (b *MessageBus) NextInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.closed:
		// Drain whatever was enqueued before close.
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	}
}

// NextOutbound blocks until a response is available; same terminal
// semantics as NextInbound.
func (b *MessageBus) NextOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.closed:
		select {
		case msg := <-b.outbound:
			return msg, true
		default:
			return OutboundMessage{}, false
		}
	}
}

// Subscribe registers a callback for outbound messages on a channel name.
func (b *MessageBus) Subscribe(channel string, callback func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], callback)
}

// DispatchOutbound consumes the outbound queue and fans messages out to
// subscribers. Blocks until ctx is cancelled or the bus is closed and drained.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := b.NextOutbound(ctx)
		if !ok {
			return
		}
		b.mu.RLock()
		subs := b.subscribers[msg.Channel]
		b.mu.RUnlock()
		for _, cb := range subs {
			cb(msg)
		}
	}
}

// Close signals shutdown. Blocked producers fail, consumers drain and stop.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }
