package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher_KnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("<title>Foo | Microsoft Learn</title>"))
	require.NoError(t, err)
	require.Len(t, got, 64)

	empty, err := New().Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}

func TestHasher_Deterministic(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("page body"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("page body"))
	require.NoError(t, err)
	c, err := h.Hash([]byte("other body"))
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
