package imagestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusid/profileserver/internal/store"
)

func TestPutAndReleaseRemovesBlobAtZeroRefcount(t *testing.T) {
	s := New(store.NewMemoryBackend())
	data := []byte("profile-image-bytes")

	hash, err := s.Put(data)
	require.NoError(t, err)

	got, err := s.Get(hash)
	require.NoError(t, err)
	require.Equal(t, data, got)

	count, err := s.RefCount(hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, s.AddRef(hash))
	count, err = s.RefCount(hash)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	require.NoError(t, s.Release(hash))
	got, err = s.Get(hash)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, s.Release(hash))
	got, err = s.Get(hash)
	require.NoError(t, err)
	require.Nil(t, got)
}
