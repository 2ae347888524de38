package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker publishes and subscribes through Redis. It opens two clients:
// a connection in subscriber mode cannot issue ordinary commands.
type RedisBroker struct {
	pub *redis.Client
	sub *redis.Client
	log *zap.Logger

	out  chan Message
	done chan struct{}
	once sync.Once

	mu sync.Mutex
	ps *redis.PubSub
}

// NewRedisBroker connects to the Redis server at url. An unreachable server
// is logged, not fatal: the clients keep reconnecting in the background.
func NewRedisBroker(ctx context.Context, url string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 200 * time.Millisecond
	opts.MaxRetryBackoff = 5 * time.Second

	pubOpts, subOpts := *opts, *opts
	pubOpts.ClientName = "collabd-pub"
	subOpts.ClientName = "collabd-sub"

	b := &RedisBroker{
		pub:  redis.NewClient(&pubOpts),
		sub:  redis.NewClient(&subOpts),
		log:  logger.Named("redis"),
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	for role, c := range map[string]*redis.Client{"publisher": b.pub, "subscriber": b.sub} {
		if err := c.Ping(ctx).Err(); err != nil {
			b.log.Warn("redis not reachable", zap.String("role", role), zap.Error(err))
			continue
		}
		b.log.Info("redis connected", zap.String("role", role), zap.String("addr", opts.Addr))
	}
	return b, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ps == nil {
		b.ps = b.sub.Subscribe(ctx, channels...)
		_, err := b.ps.Receive(ctx)
		go b.forward(b.ps.Channel())
		if err != nil {
			return fmt.Errorf("%w: subscribe: %v", ErrBrokerUnavailable, err)
		}
		return nil
	}
	if err := b.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ps == nil {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: unsubscribe: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) forward(in <-chan *redis.Message) {
	defer b.once.Do(func() { close(b.out) })
	for m := range in {
		select {
		case b.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-b.done:
			return
		}
	}
}

func (b *RedisBroker) Messages() <-chan Message { return b.out }

func (b *RedisBroker) Close() error {
	close(b.done)
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
	} else {
		b.once.Do(func() { close(b.out) })
	}
	if cerr := b.sub.Close(); err == nil {
		err = cerr
	}
	if cerr := b.pub.Close(); err == nil {
		err = cerr
	}
	return err
}
