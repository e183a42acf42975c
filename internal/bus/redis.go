package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// RedisBus is an event bus on Redis pub/sub. Delivery is at-most-once:
// events published while no server is subscribed are lost, which matches
// the best-effort contract of real-time delivery.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    *logger.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// RedisConfig holds Redis bus settings.
type RedisConfig struct {
	URL           string
	ChannelPrefix string // prepended to topic names (default: none)
	ConnectRetry  int
	RetryDelay    time.Duration
	Log           *logger.Logger
}

// NewRedisBus connects to Redis, retrying the initial ping.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid redis URL", err)
	}
	if cfg.ConnectRetry <= 0 {
		cfg.ConnectRetry = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	log := cfg.Log.WithComponent("redis-bus")

	client := redis.NewClient(opts)

	err = retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Ping(ctx).Err()
		},
		retry.Attempts(uint(cfg.ConnectRetry)),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Redis not reachable, retrying", "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "connecting to redis", err)
	}

	return &RedisBus{
		client: client,
		prefix: cfg.ChannelPrefix,
		log:    log,
	}, nil
}

// Publish publishes an event on the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}
	if err := b.client.Publish(ctx, b.prefix+topic, data).Err(); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to redis", err)
	}
	return nil
}

// Subscribe subscribes handler to the topic's channel. Messages are
// handled sequentially in arrival order.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	ps := b.client.Subscribe(ctx, b.prefix+topic)
	// Wait for the subscription to be confirmed so no event published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return errors.Wrap(errors.CodeUnavailable, fmt.Sprintf("subscribing to %s", topic), err)
	}
	b.subs = append(b.subs, ps)

	b.wg.Add(1)
	go b.consume(topic, ps, handler)
	return nil
}

func (b *RedisBus) consume(topic string, ps *redis.PubSub, handler Handler) {
	defer b.wg.Done()

	for msg := range ps.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.Warn("Dropping malformed redis message", "topic", topic, "error", err.Error())
			continue
		}
		if err := handler(context.Background(), event); err != nil {
			b.log.Warn("Handler error", "topic", topic, "event_id", event.ID, "error", err.Error())
		}
	}
}

// Close unsubscribes everything and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			b.log.Warn("Failed to close redis subscription", "error", err.Error())
		}
	}
	b.wg.Wait()

	if err := b.client.Close(); err != nil {
		return errors.Wrap(errors.CodeInternal, "close redis client", err)
	}
	return nil
}
