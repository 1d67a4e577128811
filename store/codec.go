package store

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec compresses and decompresses payloads. Encoders are created per zstd
// level on first use and reused; the decoder is shared. All methods are
// goroutine-safe.
type codec struct {
	mu       sync.Mutex
	encoders map[int]*zstd.Encoder
	decoder  *zstd.Decoder
}

func newCodec() (*codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{
		encoders: make(map[int]*zstd.Encoder),
		decoder:  dec,
	}, nil
}

func (c *codec) encoderForLevel(level int) (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder for level %d: %w", level, err)
	}
	c.encoders[level] = enc
	return enc, nil
}

func (c *codec) encode(data []byte, level int) ([]byte, error) {
	enc, err := c.encoderForLevel(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func (c *codec) decode(data []byte) ([]byte, error) {
	c.mu.Lock()
	dec := c.decoder
	c.mu.Unlock()
	if dec == nil {
		return nil, fmt.Errorf("codec closed")
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, enc := range c.encoders {
		enc.Close()
	}
	c.encoders = make(map[int]*zstd.Encoder)
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}
