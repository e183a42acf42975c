// Package dispatch fans domain events out to attached sessions, running
// the filter chain per recipient and batching low-urgency events.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zonedesk/zonedesk/internal/clock"
	"github.com/zonedesk/zonedesk/internal/connection"
	"github.com/zonedesk/zonedesk/internal/events"
	"github.com/zonedesk/zonedesk/internal/filter"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

// Drop reasons reported on top of the filter reasons.
const (
	DropQueueFull     = "queue_full"
	DropSessionClosed = "session_closed"
)

// Recorder receives dispatch metrics.
type Recorder interface {
	EventIngested(category string)
	EventDelivered(category string, batched bool)
	EventDropped(category, reason string)
	BatchSent(size int)
	Dispatched(d time.Duration)
}

// Directory lists the sessions to dispatch to.
type Directory interface {
	Sessions() []connection.Session
}

// Subscriptions gives serialized access to a user's role and set.
type Subscriptions interface {
	View(user string, fn func(role events.Role, set events.Set)) bool
}

// Config configures a Dispatcher.
type Config struct {
	// BatchWindow is how long low and normal events wait for company.
	BatchWindow time.Duration

	// MaxBatchSize flushes a batch early once it holds this many events.
	MaxBatchSize int

	// Workers bounds how many sessions are evaluated concurrently.
	Workers int

	Clock    clock.Clock
	Recorder Recorder
	Log      *logger.Logger
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{
		BatchWindow:  time.Second,
		MaxBatchSize: 50,
		Workers:      16,
	}
}

// Dispatcher delivers events to every attached session that passes the
// filter chain. Dispatch calls are serialized, so each session receives
// events in the order they were dispatched, subject to batching.
type Dispatcher struct {
	dir   Directory
	subs  Subscriptions
	chain *filter.Chain
	cfg   Config
	log   *logger.Logger

	dispatchMu sync.Mutex

	mu         sync.Mutex
	recipients map[string]*recipient // by session id
	closed     bool

	dispatched  atomic.Uint64
	delivered   atomic.Uint64
	batched     atomic.Uint64
	batchesSent atomic.Uint64
	dropMu      sync.Mutex
	dropped     map[string]uint64
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(dir Directory, subs Subscriptions, chain *filter.Chain, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = def.BatchWindow
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}

	return &Dispatcher{
		dir:        dir,
		subs:       subs,
		chain:      chain,
		cfg:        cfg,
		log:        cfg.Log.WithComponent("dispatch"),
		recipients: make(map[string]*recipient),
		dropped:    make(map[string]uint64),
	}
}

// Dispatch evaluates e for every attached session and queues it where
// the chain admits it. One session failing never affects another.
func (d *Dispatcher) Dispatch(ctx context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return apperrors.ValidationError(fmt.Sprintf("invalid event: %v", err))
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return apperrors.ServiceUnavailableError("dispatcher")
	}

	start := d.cfg.Clock.Now()
	d.dispatched.Add(1)
	if r := d.cfg.Recorder; r != nil {
		r.EventIngested(string(e.Category))
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, s := range d.dir.Sessions() {
		if ctx.Err() != nil {
			break
		}
		s := s
		g.Go(func() error {
			d.deliverTo(start, s, e)
			return nil
		})
	}
	_ = g.Wait()

	if r := d.cfg.Recorder; r != nil {
		r.Dispatched(d.cfg.Clock.Now().Sub(start))
	}
	return ctx.Err()
}

// deliverTo evaluates and queues e for one session. The registry view
// is held throughout, so the verdict and the queueing both see one
// consistent subscription set.
func (d *Dispatcher) deliverTo(now time.Time, s connection.Session, e events.Event) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("Recovered panic delivering event",
				"session_id", s.ID(),
				"event_id", e.ID,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
		}
	}()

	user := s.UserID()
	d.subs.View(user, func(role events.Role, set events.Set) {
		verdict := d.chain.Evaluate(now, filter.Recipient{UserID: user, Role: role, Subscribed: set}, e)
		if !verdict.Deliver {
			d.drop(e.Category, string(verdict.Reason), 1)
			return
		}
		rec := d.recipient(s)
		if rec == nil {
			return
		}
		rec.enqueue(d, verdict.Event)
	})
}

func (d *Dispatcher) recipient(s connection.Session) *recipient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	rec, ok := d.recipients[s.ID()]
	if !ok {
		rec = &recipient{session: s}
		d.recipients[s.ID()] = rec
	}
	return rec
}

// Forget discards pending batches for s. It is meant as a directory
// detach hook.
func (d *Dispatcher) Forget(_ string, s connection.Session) {
	d.mu.Lock()
	rec, ok := d.recipients[s.ID()]
	delete(d.recipients, s.ID())
	d.mu.Unlock()
	if ok {
		rec.discard(d)
	}
}

func (d *Dispatcher) prune(rec *recipient) {
	d.mu.Lock()
	if cur, ok := d.recipients[rec.session.ID()]; ok && cur == rec {
		delete(d.recipients, rec.session.ID())
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drop(c events.Category, reason string, n int) {
	d.dropMu.Lock()
	d.dropped[reason] += uint64(n)
	d.dropMu.Unlock()
	if r := d.cfg.Recorder; r != nil {
		for i := 0; i < n; i++ {
			r.EventDropped(string(c), reason)
		}
	}
}

// Flush sends every pending batch now.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	recs := make([]*recipient, 0, len(d.recipients))
	for _, rec := range d.recipients {
		recs = append(recs, rec)
	}
	d.mu.Unlock()

	for _, rec := range recs {
		rec.flushAll(d)
	}
}

// Close flushes pending batches and stops accepting events.
func (d *Dispatcher) Close() {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.Flush()
	d.mu.Lock()
	d.closed = true
	d.recipients = make(map[string]*recipient)
	d.mu.Unlock()
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	Dispatched        uint64            `json:"events_dispatched"`
	Delivered         uint64            `json:"events_delivered"`
	Batched           uint64            `json:"events_batched"`
	BatchesSent       uint64            `json:"batches_sent"`
	Dropped           map[string]uint64 `json:"events_dropped"`
	PendingRecipients int               `json:"pending_recipients"`
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.dropMu.Lock()
	dropped := make(map[string]uint64, len(d.dropped))
	for k, v := range d.dropped {
		dropped[k] = v
	}
	d.dropMu.Unlock()

	d.mu.Lock()
	pending := 0
	for _, rec := range d.recipients {
		if rec.hasPending() {
			pending++
		}
	}
	d.mu.Unlock()

	return Stats{
		Dispatched:        d.dispatched.Load(),
		Delivered:         d.delivered.Load(),
		Batched:           d.batched.Load(),
		BatchesSent:       d.batchesSent.Load(),
		Dropped:           dropped,
		PendingRecipients: pending,
	}
}
