package fanout

import (
	"context"
	"sync"
)

// Message is one delivery from a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is a pub/sub transport. Publishing and subscribing are separate
// roles and implementations keep them on separate sessions.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages delivers messages of subscribed channels until Close.
	Messages() <-chan Message
	Close() error
}

// MemoryHub connects in-process brokers, standing in for a broker server
// when a single process runs alone and in tests.
type MemoryHub struct {
	mu      sync.Mutex
	brokers map[*MemoryBroker]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{brokers: make(map[*MemoryBroker]struct{})}
}

// Broker returns a new broker session attached to the hub.
func (h *MemoryHub) Broker() *MemoryBroker {
	b := &MemoryBroker{
		hub:      h,
		out:      make(chan Message, 256),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.brokers[b] = struct{}{}
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) deliver(ctx context.Context, channel string, payload []byte) {
	h.mu.Lock()
	targets := make([]*MemoryBroker, 0, len(h.brokers))
	for b := range h.brokers {
		if b.subscribed(channel) {
			targets = append(targets, b)
		}
	}
	h.mu.Unlock()
	for _, b := range targets {
		msg := Message{Channel: channel, Payload: append([]byte{}, payload...)}
		select {
		case b.out <- msg:
		case <-b.done:
		case <-ctx.Done():
			return
		}
	}
}

// MemoryBroker is one session on a MemoryHub. Like a real broker it delivers
// a publisher's own messages back to it when it is subscribed.
type MemoryBroker struct {
	hub  *MemoryHub
	out  chan Message
	done chan struct{}

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
	failing  bool
}

func (b *MemoryBroker) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[channel]
	return ok && !b.closed
}

// SetFailing makes Publish and Subscribe fail while set.
func (b *MemoryBroker) SetFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	failing := b.failing || b.closed
	b.mu.Unlock()
	if failing {
		return ErrBrokerUnavailable
	}
	b.hub.deliver(ctx, channel, payload)
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing || b.closed {
		return ErrBrokerUnavailable
	}
	for _, c := range channels {
		b.channels[c] = struct{}{}
	}
	return nil
}

func (b *MemoryBroker) Unsubscribe(_ context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range channels {
		delete(b.channels, c)
	}
	return nil
}

// Subscriptions returns how many channels the session is subscribed to.
func (b *MemoryBroker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *MemoryBroker) Messages() <-chan Message { return b.out }

func (b *MemoryBroker) Close() error {
	b.hub.mu.Lock()
	delete(b.hub.brokers, b)
	b.hub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
