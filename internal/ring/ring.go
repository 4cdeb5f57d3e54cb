// Package ring implements a single-producer/single-consumer lock-free ring
// buffer for raw input events. The producer side runs inside an OS input-hook
// callback and must return before the hook deadline, so Write never blocks,
// never allocates, and never takes a lock. When the buffer is full the oldest
// unread slot is overwritten; losing an event is preferable to the OS
// uninstalling the hook.
package ring

import (
	"sync/atomic"
)

// RawEvent is the fixed-size payload moved through the buffer. It carries no
// heap pointers so a slot write is a plain field copy. Identity resolution
// (PID -> application) happens on the consumer side.
type RawEvent struct {
	Kind      uint8
	PID       int32
	TimeNS    int64
	KeyCode   uint32
	Button    uint32
	X, Y      int32
	Modifiers uint32
}

// Raw event kinds delivered by platform bindings. These are hook-level
// observations; the capture pipeline maps them onto wire event types.
const (
	RawKeyDown uint8 = iota + 1
	RawKeyShortcut
	RawMouseClick
	RawMouseDoubleClick
	RawMouseDrag
	RawScroll
	RawAppActivated
	RawWindowFocused
	RawClipboard
)

type slot struct {
	// version is a per-slot seqlock: odd while the producer is writing,
	// even when stable. A consumer that observes a version change across
	// its copy discards the copy instead of returning a torn event.
	version atomic.Uint64
	ev      RawEvent
}

// Buffer is the SPSC queue. Exactly one goroutine (or hook thread) may call
// Write and exactly one may call ReadBatch.
type Buffer struct {
	mask    uint64
	slots   []slot
	head    atomic.Uint64 // next write position (producer-owned)
	tail    atomic.Uint64 // next read position (consumer-owned, CAS on overwrite)
	dropped atomic.Uint64
}

// New creates a buffer holding at least capacity events. The capacity is
// rounded up to a power of two so slot indexing is a mask, not a modulo.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}
	return &Buffer{
		mask:  n - 1,
		slots: make([]slot, n),
	}
}

// Cap returns the rounded-up capacity.
func (b *Buffer) Cap() int { return len(b.slots) }

// Dropped returns the number of events lost to overwrites.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Len returns the number of pending events. Approximate under concurrency.
func (b *Buffer) Len() int {
	h := b.head.Load()
	t := b.tail.Load()
	if h < t {
		return 0
	}
	return int(h - t)
}

// Write publishes one event. Producer side only. If the buffer is full the
// oldest unread event is dropped by advancing the read cursor; the CAS loses
// gracefully to a concurrent ReadBatch that consumed the slot first.
func (b *Buffer) Write(ev RawEvent) {
	head := b.head.Load()
	tail := b.tail.Load()
	if head-tail >= uint64(len(b.slots)) {
		if b.tail.CompareAndSwap(tail, tail+1) {
			b.dropped.Add(1)
		}
	}

	s := &b.slots[head&b.mask]
	s.version.Add(1) // mark writing
	s.ev = ev
	s.version.Add(1) // publish slot contents

	// Release store: the head publish must happen after the slot write so
	// the consumer's acquire load of head observes a complete slot.
	b.head.Store(head + 1)
}

// ReadBatch copies up to len(dst) pending events into dst and advances the
// read cursor. Consumer side only. Returns the number of events copied.
// Slots overwritten mid-copy are skipped, never returned torn.
func (b *Buffer) ReadBatch(dst []RawEvent) int {
	if len(dst) == 0 {
		return 0
	}
	n := 0
	for n < len(dst) {
		tail := b.tail.Load()
		head := b.head.Load()
		if tail >= head {
			break
		}

		s := &b.slots[tail&b.mask]
		v1 := s.version.Load()
		ev := s.ev
		v2 := s.version.Load()

		// Advance past this slot whether or not the copy was clean; a
		// dirty copy means the producer lapped us and the original
		// event is already gone.
		if !b.tail.CompareAndSwap(tail, tail+1) {
			continue
		}
		if v1 != v2 || v1&1 == 1 {
			b.dropped.Add(1)
			continue
		}
		dst[n] = ev
		n++
	}
	return n
}
