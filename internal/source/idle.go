package source

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long without input before the user counts as
// idle.
const DefaultIdleTimeout = 5 * time.Minute

// IdleDetector tracks input activity and reports idle transitions. The
// capture manager calls Touch as it drains raw events; a background loop
// watches for the timeout elapsing and fires the callbacks.
type IdleDetector struct {
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	lastInput time.Time
	idle      bool
	idleSince time.Time

	onIdleStart func(since time.Time)
	onIdleEnd   func(idleFor time.Duration)

	now func() time.Time
}

// NewIdleDetector creates a detector with the given timeout; zero means
// DefaultIdleTimeout.
func NewIdleDetector(timeout time.Duration, log *slog.Logger) *IdleDetector {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	d := &IdleDetector{timeout: timeout, log: log, now: time.Now}
	d.lastInput = d.now()
	return d
}

// OnIdleStart registers the callback fired when the timeout elapses.
func (d *IdleDetector) OnIdleStart(fn func(since time.Time)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdleStart = fn
}

// OnIdleEnd registers the callback fired on the first input after an idle
// period, with the idle duration.
func (d *IdleDetector) OnIdleEnd(fn func(idleFor time.Duration)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdleEnd = fn
}

// Touch records input activity. Ends an idle period if one is running.
func (d *IdleDetector) Touch() {
	now := d.now()

	d.mu.Lock()
	d.lastInput = now
	wasIdle := d.idle
	var idleFor time.Duration
	if wasIdle {
		d.idle = false
		idleFor = now.Sub(d.idleSince)
	}
	cb := d.onIdleEnd
	d.mu.Unlock()

	if wasIdle {
		d.log.Debug("idle period ended", "idle_for", idleFor)
		if cb != nil {
			cb(idleFor)
		}
	}
}

// Idle reports whether the user is currently idle.
func (d *IdleDetector) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// check performs one timeout evaluation. Split from Run so tests can drive
// it with a fake clock.
func (d *IdleDetector) check() {
	now := d.now()

	d.mu.Lock()
	if d.idle || now.Sub(d.lastInput) < d.timeout {
		d.mu.Unlock()
		return
	}
	d.idle = true
	d.idleSince = d.lastInput
	since := d.idleSince
	cb := d.onIdleStart
	d.mu.Unlock()

	d.log.Debug("idle period started", "since", since)
	if cb != nil {
		cb(since)
	}
}

// Run evaluates the timeout on a fixed cadence until the context ends.
func (d *IdleDetector) Run(ctx context.Context) {
	interval := d.timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check()
		}
	}
}
