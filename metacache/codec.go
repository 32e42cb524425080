package metacache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// zstd overhead is not worth it for smaller records.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed record size.
	MaxPayloadSize = 4 * 1024 * 1024 // 4MB

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrPayloadTooLarge is returned when a record exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds MaxPayloadSize.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec frames stored records with a one byte encoding header, compressing
// the body with zstd when that makes it smaller.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode returns the framed form of data.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			out := make([]byte, 1, len(data)/2+1)
			out[0] = encodingZstd
			out = enc.EncodeAll(data, out)
			if len(out) < len(data)+1 {
				return out, nil
			}
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, encodingIdentity)
	return append(out, data...), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, errors.New("empty record")
	}

	body := framed[1:]
	switch framed[0] {
	case encodingIdentity:
		return body, nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", framed[0])
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(decompressed) > MaxPayloadSize {
		return nil, ErrDecompressionBomb
	}
	return decompressed, nil
}
