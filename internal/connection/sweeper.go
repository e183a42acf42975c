package connection

import (
	"context"
	"time"
)

// Run evicts idle sessions every sweep interval until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	if d.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Sweep(d.cfg.Clock.Now())
		case <-ctx.Done():
			d.log.Info("Liveness sweeper stopped")
			return
		}
	}
}

// Sweep closes and detaches every session idle for longer than the idle
// timeout at now. It returns the number of evicted sessions.
func (d *Directory) Sweep(now time.Time) int {
	if d.cfg.IdleTimeout <= 0 {
		return 0
	}

	d.mu.RLock()
	var idle []Session
	for _, e := range d.entries {
		if now.Sub(e.seen()) > d.cfg.IdleTimeout {
			idle = append(idle, e.session)
		}
	}
	d.mu.RUnlock()

	evicted := 0
	for _, s := range idle {
		if d.evict(s, now) {
			evicted++
		}
	}
	if evicted > 0 {
		d.log.Info("Evicted idle sessions", "count", evicted, "idle_timeout", d.cfg.IdleTimeout.String())
	}
	return evicted
}

// evict re-checks s under the user lock, since it may have been touched
// or replaced since the scan.
func (d *Directory) evict(s Session, now time.Time) bool {
	user := s.UserID()
	unlock := d.locks.Lock(user)
	defer unlock()

	d.mu.RLock()
	e, ok := d.entries[user]
	d.mu.RUnlock()
	if !ok || e.session.ID() != s.ID() || now.Sub(e.seen()) <= d.cfg.IdleTimeout {
		return false
	}

	if d.remove(user, s) == nil {
		return false
	}
	d.log.Warn("Evicting idle session",
		"user_id", user,
		"session_id", s.ID(),
		"idle_for", now.Sub(e.seen()).Round(time.Second).String(),
	)
	s.Close(ReasonEvicted)
	d.detached(user, e, ReasonEvicted)
	return true
}
