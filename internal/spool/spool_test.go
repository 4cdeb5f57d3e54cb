package spool

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proth1/kmflow-sub006/internal/seal"
)

func openTestSpool(t *testing.T, opts Options) *Spool {
	t.Helper()
	key := make([]byte, seal.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := seal.New(key)
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "spool.db"), sealer, slog.Default(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpoolRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t, Options{})

	require.NoError(t, s.Append(ctx, 1, []byte(`{"seq":1}`)))
	require.NoError(t, s.Append(ctx, 2, []byte(`{"seq":2}`)))
	require.NoError(t, s.Append(ctx, 3, []byte(`{"seq":3}`)))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	entries, err := s.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 1, entries[0].Sequence)
	assert.Equal(t, []byte(`{"seq":1}`), entries[0].Payload)
	assert.EqualValues(t, 3, entries[2].Sequence)
}

func TestSpoolMarkAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t, Options{})

	require.NoError(t, s.Append(ctx, 1, []byte("a")))
	require.NoError(t, s.Append(ctx, 2, []byte("b")))

	entries, err := s.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.MarkUploaded(ctx, entries[0].ID))

	entries, err = s.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].Sequence)

	pruned, err := s.PruneUploaded(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}

func TestSpoolReadLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t, Options{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, uint64(i), []byte(fmt.Sprintf("e%d", i))))
	}
	entries, err := s.ReadPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 1, entries[0].Sequence)
	assert.EqualValues(t, 2, entries[1].Sequence)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, seal.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := seal.New(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "spool.db")
	s1, err := Open(path, sealer, slog.Default(), Options{})
	require.NoError(t, err)
	require.NoError(t, s1.Append(ctx, 7, []byte("persisted")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, sealer, slog.Default(), Options{})
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.ReadPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("persisted"), entries[0].Payload)
}

func TestSpoolWrongKeyDropsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool.db")

	k1 := make([]byte, seal.KeySize)
	_, err := rand.Read(k1)
	require.NoError(t, err)
	sealer1, err := seal.New(k1)
	require.NoError(t, err)

	s1, err := Open(path, sealer1, slog.Default(), Options{})
	require.NoError(t, err)
	require.NoError(t, s1.Append(ctx, 1, []byte("secret")))
	require.NoError(t, s1.Close())

	k2 := make([]byte, seal.KeySize)
	_, err = rand.Read(k2)
	require.NoError(t, err)
	sealer2, err := seal.New(k2)
	require.NoError(t, err)

	s2, err := Open(path, sealer2, slog.Default(), Options{})
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.ReadPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The unverifiable row was deleted, not retried forever.
	n, err := s2.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSpoolSizeCapPrunesOldest(t *testing.T) {
	ctx := context.Background()
	s := openTestSpool(t, Options{MaxBytes: 1})

	payload := make([]byte, 512)
	for i := 1; i <= sizeCheckInterval; i++ {
		require.NoError(t, s.Append(ctx, uint64(i), payload))
	}

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Less(t, n, int64(sizeCheckInterval))

	entries, err := s.ReadPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Greater(t, entries[0].Sequence, uint64(1))
}
