// Package filter implements the first privacy layer: context-based blocking
// by application identity. Decisions are fail-closed — an event whose
// process could not be identified is never captured.
package filter

import (
	"log/slog"
	"sync/atomic"

	"github.com/proth1/kmflow-sub006/internal/events"
)

// Filter decides whether an event may enter the capture pipeline.
type Filter struct {
	rules   *BlockRules
	blocked atomic.Uint64
	log     *slog.Logger
}

// New creates a filter over the given rule set.
func New(rules *BlockRules, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	return &Filter{rules: rules, log: log}
}

// Rules returns the underlying rule set, for config refresh.
func (f *Filter) Rules() *BlockRules { return f.rules }

// BlockedCount returns how many events this filter has rejected.
func (f *Filter) BlockedCount() uint64 { return f.blocked.Load() }

// ShouldBlock applies the layered decision:
//
//  1. no resolvable application identity -> block
//  2. non-empty allowlist -> block anything not on it (blocklist ignored)
//  3. hardcoded or configured blocklist match -> block
//  4. private-browsing marker in the title for the resolved browser -> block
func (f *Filter) ShouldBlock(ev *events.CaptureEvent) bool {
	id := ev.CanonicalID()
	if id == "" {
		f.blocked.Add(1)
		f.log.Debug("blocked event with unresolved application identity",
			"event_type", ev.EventType)
		return true
	}

	if f.rules.HasAllowlist() {
		if !f.rules.Allowed(id) {
			f.blocked.Add(1)
			return true
		}
	} else if f.rules.Blocked(id) {
		f.blocked.Add(1)
		f.log.Debug("blocked event from blocklisted application", "app", id)
		return true
	}

	if ev.WindowTitle != "" && IsPrivateBrowsing(id, ev.WindowTitle) {
		f.blocked.Add(1)
		f.log.Debug("blocked private-browsing event", "app", id)
		return true
	}

	return false
}
