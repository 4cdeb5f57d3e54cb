package seal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x5a}, KeySize)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	blob, err := s.Seal([]byte(`{"state":"consented"}`))
	require.NoError(t, err)

	got, err := s.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, `{"state":"consented"}`, string(got))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	blob, err := s.Seal([]byte("payload"))
	require.NoError(t, err)

	// Flip one ciphertext bit: signature check must fail before decryption.
	blob[len(blob)/2] ^= 0x01
	_, err = s.Open(blob)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestOpenRejectsTamperedSignature(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	blob, err := s.Seal([]byte("payload"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = s.Open(blob)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)
	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrTampered)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s1, err := New(testKey)
	require.NoError(t, err)
	s2, err := New(bytes.Repeat([]byte{0xa5}, KeySize))
	require.NoError(t, err)

	blob, err := s1.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = s2.Open(blob)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("too short"))
	require.Error(t, err)
}

func TestSealIsNonDeterministic(t *testing.T) {
	s, err := New(testKey)
	require.NoError(t, err)

	a, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("payload"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	key, err := GenerateKey(path)
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	loaded, err := LoadKey("", path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
}
