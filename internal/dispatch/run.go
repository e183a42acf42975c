package dispatch

import (
	"context"
	"fmt"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/events"
)

// Run feeds domain events from topic into Dispatch until ctx is done,
// then flushes and closes the dispatcher. Envelopes of other types are
// ignored; malformed events are logged and skipped.
func (d *Dispatcher) Run(ctx context.Context, eventBus bus.Bus, topic string) error {
	if topic == "" {
		topic = bus.TopicEvents
	}
	if err := eventBus.Subscribe(ctx, topic, d.handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	d.log.Info("Dispatcher started", "topic", topic)

	<-ctx.Done()
	d.Close()
	d.log.Info("Dispatcher stopped", "stats", fmt.Sprintf("%+v", d.Stats()))
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg bus.Event) error {
	if msg.Type != bus.TypeDomainEvent {
		return nil
	}

	var e events.Event
	if err := msg.Decode(&e); err != nil {
		d.log.Warn("Dropping undecodable event", "bus_event_id", msg.ID, "error", err.Error())
		return nil
	}
	e.Normalize(d.cfg.Clock.Now())

	if err := d.Dispatch(ctx, e); err != nil {
		d.log.Warn("Dropping event",
			"event_id", e.ID,
			"category", string(e.Category),
			"error", err.Error(),
		)
	}
	return nil
}
