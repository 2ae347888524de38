package fanout

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"collabtext/realtime/internal/metrics"
)

// Handler applies mutations received from sibling processes.
type Handler interface {
	HandleRemoteUpdate(ctx context.Context, documentID string, update []byte)
	HandleRemoteAwareness(ctx context.Context, documentID string, payload []byte)
	HandleRemoteRestore(ctx context.Context, documentID string, state []byte)
}

// Bridge publishes local mutations and dispatches remote ones.
type Bridge struct {
	processID string
	broker    Broker
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewBridge(processID string, broker Broker, logger *zap.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Bridge{
		processID: processID,
		broker:    broker,
		log:       logger.Named("fanout").With(zap.String("process", processID)),
		metrics:   m,
	}
}

func (b *Bridge) ProcessID() string { return b.processID }

func (b *Bridge) PublishUpdate(ctx context.Context, documentID string, update []byte) error {
	return b.publish(ctx, documentID, TopicEdits, update)
}

func (b *Bridge) PublishAwareness(ctx context.Context, documentID string, payload []byte) error {
	return b.publish(ctx, documentID, TopicPresence, payload)
}

func (b *Bridge) PublishRestore(ctx context.Context, documentID string, state []byte) error {
	return b.publish(ctx, documentID, TopicRestore, state)
}

func (b *Bridge) publish(ctx context.Context, documentID, topic string, payload []byte) error {
	channel := Channel(documentID, topic)
	if err := b.broker.Publish(ctx, channel, Encode(b.processID, payload)); err != nil {
		b.metrics.PublishFailures.WithLabelValues(topic).Inc()
		b.log.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
		if !errors.Is(err, ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		return err
	}
	b.metrics.Published.WithLabelValues(topic).Inc()
	return nil
}

func channels(documentID string) []string {
	return []string{
		Channel(documentID, TopicEdits),
		Channel(documentID, TopicPresence),
		Channel(documentID, TopicRestore),
	}
}

// Subscribe starts receiving the channels of documentID.
func (b *Bridge) Subscribe(ctx context.Context, documentID string) error {
	if err := b.broker.Subscribe(ctx, channels(documentID)...); err != nil {
		b.log.Warn("subscribe failed", zap.String("document", documentID), zap.Error(err))
		return err
	}
	b.log.Debug("subscribed", zap.String("document", documentID))
	return nil
}

// Unsubscribe stops receiving the channels of documentID.
func (b *Bridge) Unsubscribe(ctx context.Context, documentID string) error {
	if err := b.broker.Unsubscribe(ctx, channels(documentID)...); err != nil {
		b.log.Warn("unsubscribe failed", zap.String("document", documentID), zap.Error(err))
		return err
	}
	b.log.Debug("unsubscribed", zap.String("document", documentID))
	return nil
}

// Run dispatches broker messages to h until ctx is done or the broker closes.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	msgs := b.broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.dispatch(ctx, msg, h)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg Message, h Handler) {
	documentID, topic, ok := ParseChannel(msg.Channel)
	if !ok {
		b.metrics.RemoteReceived.WithLabelValues("unknown", "bad_channel").Inc()
		b.log.Warn("message on unexpected channel", zap.String("channel", msg.Channel))
		return
	}
	source, payload, err := Decode(msg.Payload)
	if err != nil {
		b.metrics.RemoteReceived.WithLabelValues(topic, "malformed").Inc()
		b.log.Warn("dropping broker message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if source == b.processID {
		b.metrics.RemoteReceived.WithLabelValues(topic, "echo").Inc()
		return
	}
	b.metrics.RemoteReceived.WithLabelValues(topic, "applied").Inc()
	switch topic {
	case TopicEdits:
		h.HandleRemoteUpdate(ctx, documentID, payload)
	case TopicPresence:
		h.HandleRemoteAwareness(ctx, documentID, payload)
	case TopicRestore:
		h.HandleRemoteRestore(ctx, documentID, payload)
	default:
		b.log.Warn("unknown topic", zap.String("channel", msg.Channel))
	}
}
