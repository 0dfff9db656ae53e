package contentstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hither-run/hither/pkg/value"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutBytesIsContentAddressedAndIdempotent(t *testing.T) {
	s := openTestStore(t)

	uri1, err := s.PutBytes([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "sha1://"+"2aae6c35c94fcfb415dbe95f408b9ce91ee846ed", uri1)

	uri2, err := s.PutBytes([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2, "identical content must hash to the same URI")

	data, err := s.GetBytes(uri1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestGetBytesMissingReturnsErrMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBytes("sha1://doesnotexist")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestPutObjectRoundTrips(t *testing.T) {
	s := openTestStore(t)

	om := value.NewOrderedMap()
	om.Set("a", value.NewInt(1))
	om.Set("b", value.NewString("two"))
	v := value.NewMap(om)

	uri, err := s.PutObject(v)
	require.NoError(t, err)

	got, err := s.GetObject(uri)
	require.NoError(t, err)
	gm, ok := got.AsMap()
	require.True(t, ok)
	a, _ := gm.Get("a")
	i, _ := a.AsInt()
	assert.Equal(t, int64(1), i)
}

func TestExistsLocal(t *testing.T) {
	s := openTestStore(t)
	assert.False(t, s.ExistsLocal("sha1://nope"))

	uri, err := s.PutBytes([]byte("x"))
	require.NoError(t, err)
	assert.True(t, s.ExistsLocal(uri))
}

func TestFetchPullsFromSourceAndCaches(t *testing.T) {
	src := openTestStore(t)
	dst := openTestStore(t)

	uri, err := src.PutBytes([]byte("remote content"))
	require.NoError(t, err)
	assert.False(t, dst.ExistsLocal(uri))

	path, err := dst.Fetch(uri, src)
	require.NoError(t, err)
	assert.Equal(t, uri, path)
	assert.True(t, dst.ExistsLocal(uri))

	data, err := dst.GetBytes(uri)
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))
}

func TestFetchWithoutSourceAndMissingLocallyFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Fetch("sha1://nope", nil)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestOpenCreatesDBUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, filepath.Join(dir, "content.db"))
}
