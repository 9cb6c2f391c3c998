package fsstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("segments/segment-01.bin", []byte("hello")))

	data, found, err := s.Get("segments/segment-01.bin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), data)
}

func TestGetMissingKeyIsNotAnError(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data, found, err := s.Get("does/not/exist")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Delete("never-existed"))

	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k")) // idempotent second delete

	_, found, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListReturnsKeysWithPrefix(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("segments/segment-01.bin", []byte("a")))
	require.NoError(t, s.Put("segments/segment-01.meta.json", []byte("{}")))
	require.NoError(t, s.Put("other/file", []byte("x")))

	keys, err := s.List("segments/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestHealthReportsOnRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	assert.NoError(t, s.Health())
}
