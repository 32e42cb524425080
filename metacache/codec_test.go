package metacache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	t.Run("small payloads are stored as is", func(t *testing.T) {
		data := []byte(`{"title":"Fight Club"}`)
		framed, err := codec.Encode(data)
		require.NoError(t, err)
		assert.Equal(t, encodingIdentity, framed[0])
		assert.Equal(t, data, framed[1:])

		out, err := codec.Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("large compressible payloads use zstd", func(t *testing.T) {
		data := bytes.Repeat([]byte(`{"name":"cast member","character":"someone"},`), 200)
		framed, err := codec.Encode(data)
		require.NoError(t, err)
		assert.Equal(t, encodingZstd, framed[0])
		assert.Less(t, len(framed), len(data))

		out, err := codec.Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("rejects oversized payloads", func(t *testing.T) {
		_, err := codec.Encode(make([]byte, MaxPayloadSize+1))
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("rejects unknown encodings", func(t *testing.T) {
		_, err := codec.Decode([]byte{9, 1, 2})
		require.Error(t, err)

		_, err = codec.Decode(nil)
		require.Error(t, err)
	})
}
