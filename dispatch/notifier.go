package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes idle workers when work is enqueued. Notifications are hints:
// a lost one only delays a task until the next poll.
type Notifier interface {
	Notify(ctx context.Context) error
	C() <-chan struct{}
	Close() error
}

// LocalNotifier wakes workers in the same process.
type LocalNotifier struct {
	ch chan struct{}
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

// Notify signals one waiting worker without blocking.
func (n *LocalNotifier) Notify(context.Context) error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// C returns the wake-up channel.
func (n *LocalNotifier) C() <-chan struct{} { return n.ch }

// Close is a no-op.
func (n *LocalNotifier) Close() error { return nil }

// DefaultRedisChannel is the pub/sub channel used by RedisNotifier.
const DefaultRedisChannel = "relay:tasks"

// RedisNotifier wakes workers across processes through Redis pub/sub.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	pubsub  *redis.PubSub
	local   *LocalNotifier
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisNotifier subscribes to channel (DefaultRedisChannel when empty) and
// forwards every publication to the local wake-up channel.
func NewRedisNotifier(ctx context.Context, client redis.UniversalClient, channel string, logger *slog.Logger) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("dispatch: redis client is required")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	n := &RedisNotifier{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		local:   NewLocalNotifier(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go n.forward(pubsub.Channel())
	return n, nil
}

func (n *RedisNotifier) forward(msgs <-chan *redis.Message) {
	for {
		select {
		case <-n.done:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			_ = n.local.Notify(context.Background())
		}
	}
}

// Notify publishes a wake-up to every subscribed process.
func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, n.channel, "1").Err()
}

// C returns the wake-up channel.
func (n *RedisNotifier) C() <-chan struct{} { return n.local.C() }

// Close stops the subscription. The Redis client is owned by the caller.
func (n *RedisNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.pubsub.Close()
	})
	return err
}
