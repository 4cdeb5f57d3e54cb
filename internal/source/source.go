// Package source defines where raw observations enter the pipeline. A
// Source pushes into the hook ring buffer from whatever platform mechanism
// it wraps; the capture manager drains the ring on its own schedule.
package source

import "github.com/proth1/kmflow-sub006/internal/ring"

// Source feeds raw events into a ring buffer while registered. The push
// path runs on the platform's callback thread and must not block, so all a
// Source gets is the lock-free buffer.
type Source interface {
	// Register starts delivery into buf. Calling Register twice without an
	// intervening Unregister is an error.
	Register(buf *ring.Buffer) error
	// Unregister stops delivery. Idempotent.
	Unregister() error
}
