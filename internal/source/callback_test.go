package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proth1/kmflow-sub006/internal/ring"
)

func TestCallbackLifecycle(t *testing.T) {
	c := NewCallback()
	buf := ring.New(8)

	// Unregistered pushes are discarded.
	assert.False(t, c.Push(ring.RawEvent{Kind: ring.RawMouseClick}))
	assert.Zero(t, buf.Len())

	require.NoError(t, c.Register(buf))
	assert.ErrorIs(t, c.Register(buf), ErrAlreadyRegistered)

	assert.True(t, c.Push(ring.RawEvent{Kind: ring.RawMouseClick, PID: 42}))
	out := make([]ring.RawEvent, 8)
	n := buf.ReadBatch(out)
	require.Equal(t, 1, n)
	assert.EqualValues(t, 42, out[0].PID)

	require.NoError(t, c.Unregister())
	require.NoError(t, c.Unregister())
	assert.False(t, c.Push(ring.RawEvent{Kind: ring.RawScroll}))
}
