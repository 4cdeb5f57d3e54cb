package source

import (
	"errors"
	"sync/atomic"

	"github.com/proth1/kmflow-sub006/internal/ring"
)

// ErrAlreadyRegistered is returned by Register when a buffer is attached.
var ErrAlreadyRegistered = errors.New("source: already registered")

// Callback bridges platform hook bindings into the pipeline. The OS-level
// driver calls Push from its hook callback; Push writes into the ring and
// returns immediately, so it is safe on the hook thread. While unregistered,
// pushes are discarded.
type Callback struct {
	buf atomic.Pointer[ring.Buffer]
}

// NewCallback creates an unattached callback source.
func NewCallback() *Callback { return &Callback{} }

func (c *Callback) Register(buf *ring.Buffer) error {
	if !c.buf.CompareAndSwap(nil, buf) {
		return ErrAlreadyRegistered
	}
	return nil
}

func (c *Callback) Unregister() error {
	c.buf.Store(nil)
	return nil
}

// Push delivers one raw event. Returns false when no buffer is registered.
func (c *Callback) Push(ev ring.RawEvent) bool {
	buf := c.buf.Load()
	if buf == nil {
		return false
	}
	buf.Write(ev)
	return true
}
