package bus

import (
	"context"
	"errors"
	"time"

	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// MetricsRecorder receives bus measurements. metrics.Metrics implements it.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
	RecordBusReceive(topic string, err error)
}

// InstrumentedBus measures publish latency and handler outcomes of the
// bus it wraps.
type InstrumentedBus struct {
	Bus
	rec MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder disables measurement.
func NewInstrumentedBus(inner Bus, rec MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{Bus: inner, rec: rec}
}

// Publish implements Bus.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	if b.rec == nil {
		return b.Bus.Publish(ctx, topic, event)
	}
	start := time.Now()
	err := b.Bus.Publish(ctx, topic, event)
	b.rec.RecordBusPublish(topic, time.Since(start), err)
	return err
}

// Subscribe implements Bus.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.rec == nil {
		return b.Bus.Subscribe(ctx, topic, handler)
	}
	return b.Bus.Subscribe(ctx, topic, func(ctx context.Context, event Event) error {
		err := handler(ctx, event)
		b.rec.RecordBusReceive(topic, err)
		return err
	})
}

// JournaledBus records every event published through it in a Journal
// before handing it to the wrapped bus. A failed append is logged and
// does not block delivery.
type JournaledBus struct {
	Bus
	journal *Journal
	log     *logger.Logger
}

// NewJournaledBus wraps inner. The bus owns the journal and closes it.
func NewJournaledBus(inner Bus, journal *Journal, log *logger.Logger) *JournaledBus {
	if log == nil {
		log = logger.Discard()
	}
	return &JournaledBus{Bus: inner, journal: journal, log: log.WithComponent("journal")}
}

// Publish implements Bus.
func (b *JournaledBus) Publish(ctx context.Context, topic string, event Event) error {
	if _, err := b.journal.Append(topic, event); err != nil {
		b.log.Warn("Event not journaled",
			"topic", topic,
			"bus_event_id", event.ID,
			"error", err.Error(),
		)
	}
	return b.Bus.Publish(ctx, topic, event)
}

// Journal returns the journal.
func (b *JournaledBus) Journal() *Journal { return b.journal }

// Close closes the journal and the wrapped bus.
func (b *JournaledBus) Close() error {
	return errors.Join(b.journal.Close(), b.Bus.Close())
}
