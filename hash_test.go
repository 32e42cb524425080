package titlecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortStringAndDir(t *testing.T) {
	h := HashBytes([]byte("hello"))
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
	require.Len(t, h.Dir(), 2)
	require.True(t, strings.HasPrefix(h.String(), h.Dir()))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("test")).IsZero())
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("poster"))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestDestinationID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := DestinationID(ImagePoster, "/abc.jpg")
		b := DestinationID(ImagePoster, "/abc.jpg")
		require.Equal(t, a, b)
	})

	t.Run("class is part of the identity", func(t *testing.T) {
		poster := DestinationID(ImagePoster, "/abc.jpg")
		backdrop := DestinationID(ImageBackdrop, "/abc.jpg")
		require.NotEqual(t, poster, backdrop)
	})

	t.Run("path is part of the identity", func(t *testing.T) {
		require.NotEqual(t, DestinationID(ImagePoster, "/a.jpg"), DestinationID(ImagePoster, "/b.jpg"))
	})
}
