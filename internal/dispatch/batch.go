package dispatch

import (
	"sort"
	"sync"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/protocol"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// recipient holds the pending batches of one session: one for low and
// one for normal priority. A category sits in at most one of them, so
// flushing before an immediate send keeps same-category events in order.
type recipient struct {
	session connection.Session

	mu      sync.Mutex
	pending [2]*batch // indexed by priority: low, normal
	gone    bool
}

type batch struct {
	events     []events.Event
	categories events.Set
	timer      clock.Timer
}

func (r *recipient) hasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[0] != nil || r.pending[1] != nil
}

// enqueue sends e now or adds it to a batch, depending on priority.
func (r *recipient) enqueue(d *Dispatcher, e events.Event) {
	r.mu.Lock()
	gone := r.enqueueLocked(d, e)
	r.mu.Unlock()
	if gone {
		d.prune(r)
	}
}

func (r *recipient) enqueueLocked(d *Dispatcher, e events.Event) bool {
	if r.gone {
		d.drop(e.Category, DropSessionClosed, 1)
		return true
	}

	if e.Priority.Immediate() {
		for slot := range r.pending {
			if b := r.pending[slot]; b != nil && b.categories.Has(e.Category) {
				if r.flushLocked(d, slot) {
					d.drop(e.Category, DropSessionClosed, 1)
					return true
				}
			}
		}
		return r.sendLocked(d, []events.Event{e}, false)
	}

	slot := int(e.Priority)
	other := 1 - slot
	if b := r.pending[other]; b != nil && b.categories.Has(e.Category) {
		if r.flushLocked(d, other) {
			d.drop(e.Category, DropSessionClosed, 1)
			return true
		}
	}

	b := r.pending[slot]
	if b == nil {
		b = &batch{categories: events.NewSet()}
		r.pending[slot] = b
		b.timer = d.cfg.Clock.AfterFunc(d.cfg.BatchWindow, func() { r.onTimer(d, slot, b) })
	}
	b.events = append(b.events, e)
	b.categories.Add(e.Category)

	if len(b.events) >= d.cfg.MaxBatchSize {
		return r.flushLocked(d, slot)
	}
	return false
}

func (r *recipient) onTimer(d *Dispatcher, slot int, b *batch) {
	r.mu.Lock()
	gone := false
	if r.pending[slot] == b {
		gone = r.flushLocked(d, slot)
	}
	r.mu.Unlock()
	if gone {
		d.prune(r)
	}
}

// flushLocked sends the batch in slot. It reports whether the session
// turned out to be closed.
func (r *recipient) flushLocked(d *Dispatcher, slot int) bool {
	b := r.pending[slot]
	if b == nil {
		return r.gone
	}
	r.pending[slot] = nil
	if b.timer != nil {
		b.timer.Stop()
	}

	sort.SliceStable(b.events, func(i, j int) bool {
		return b.events[i].CreatedAt.Before(b.events[j].CreatedAt)
	})
	return r.sendLocked(d, b.events, true)
}

func (r *recipient) flushAll(d *Dispatcher) {
	r.mu.Lock()
	gone := false
	for slot := range r.pending {
		if r.flushLocked(d, slot) {
			gone = true
		}
	}
	r.mu.Unlock()
	if gone {
		d.prune(r)
	}
}

// sendLocked writes evs as a single event or, for more than one, a batch
// frame. It reports whether the session is closed.
func (r *recipient) sendLocked(d *Dispatcher, evs []events.Event, batched bool) bool {
	var frame protocol.Frame
	if len(evs) == 1 {
		frame = protocol.FromEvent(evs[0])
	} else {
		frames := make([]protocol.EventFrame, len(evs))
		for i, e := range evs {
			frames[i] = protocol.FromEvent(e)
		}
		frame = protocol.Batch{
			Header: protocol.Header{Timestamp: d.cfg.Clock.Now()},
			Events: frames,
		}
	}

	if err := r.session.Send(frame); err != nil {
		reason := DropQueueFull
		if apperrors.CodeOf(err) != apperrors.CodeCapacity {
			reason = DropSessionClosed
			r.abandonLocked(d)
		}
		for _, e := range evs {
			d.drop(e.Category, reason, 1)
		}
		d.log.Debug("Event not queued",
			"session_id", r.session.ID(),
			"user_id", r.session.UserID(),
			"events", len(evs),
			"reason", reason,
		)
		return r.gone
	}

	d.delivered.Add(uint64(len(evs)))
	if batched {
		d.batched.Add(uint64(len(evs)))
		if len(evs) > 1 {
			d.batchesSent.Add(1)
		}
	}
	if rec := d.cfg.Recorder; rec != nil {
		for _, e := range evs {
			rec.EventDelivered(string(e.Category), batched)
		}
		if len(evs) > 1 {
			rec.BatchSent(len(evs))
		}
	}
	return false
}

// abandonLocked marks the session gone and drops its pending batches.
func (r *recipient) abandonLocked(d *Dispatcher) {
	r.gone = true
	for slot, b := range r.pending {
		if b == nil {
			continue
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		for _, e := range b.events {
			d.drop(e.Category, DropSessionClosed, 1)
		}
		r.pending[slot] = nil
	}
}

// discard drops pending batches of a detached session.
func (r *recipient) discard(d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandonLocked(d)
}
