package bus

import (
	"context"
	"sync"
	"time"

	"github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// MemoryBus is an in-memory event bus using Go channels. Every
// subscription owns a buffered queue drained by one goroutine, so a
// subscriber sees events in publish order.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySub
	closed     bool
	bufferSize int
	log        *logger.Logger
	inflightWg sync.WaitGroup
}

type memorySub struct {
	handler Handler
	queue   chan memoryDelivery
}

type memoryDelivery struct {
	ctx   context.Context
	event Event
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subs:       make(map[string][]*memorySub),
		bufferSize: 1024,
		log:        log.WithComponent("bus"),
	}
}

// Publish queues an event for all subscribers of a topic. It blocks while
// a subscriber's queue is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.queue <- memoryDelivery{ctx: context.WithoutCancel(ctx), event: event}:
		case <-ctx.Done():
			return errors.Wrap(errors.CodeTimeout, "publish cancelled", ctx.Err())
		}
	}

	return nil
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	sub := &memorySub{
		handler: handler,
		queue:   make(chan memoryDelivery, b.bufferSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.inflightWg.Add(1)
	go b.drain(topic, sub)
	return nil
}

func (b *MemoryBus) drain(topic string, sub *memorySub) {
	defer b.inflightWg.Done()
	for d := range sub.queue {
		if err := sub.handler(d.ctx, d.event); err != nil {
			b.log.Warn("Handler error",
				"topic", topic,
				"event_id", d.event.ID,
				"error", err.Error(),
			)
		}
	}
}

// Close closes the bus, waiting for queued events to be handled.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	b.subs = nil
	b.mu.Unlock()

	if !b.DrainTimeout(10 * time.Second) {
		b.log.Warn("Event drain timeout reached, some handlers may not have completed")
	}
	return nil
}

// DrainTimeout waits for subscriber goroutines to finish, up to timeout.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
