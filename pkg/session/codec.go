package session

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	codecVersion = 1

	flagCompressed byte = 1 << 0

	headerSize = 10 // version + flags + xxhash64

	// DefaultCompressThreshold is the payload size above which Encode
	// compresses the body.
	DefaultCompressThreshold = 1024
	// DefaultMaxDecodedSize caps payloads in both directions.
	DefaultMaxDecodedSize = 4 << 20
)

// Codec converts opaque session payloads to and from their stored form.
//
// Stored layout:
//
//	[0]     format version
//	[1]     flags (bit 0: body is zstd-compressed)
//	[2:10]  big-endian xxhash64 of the uncompressed payload
//	[10:]   body
type Codec struct {
	threshold int
	maxSize   int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// CodecOption customises a Codec.
type CodecOption func(*Codec)

// WithCompressThreshold sets the payload size above which bodies are
// compressed. A negative value disables compression.
func WithCompressThreshold(n int) CodecOption {
	return func(c *Codec) { c.threshold = n }
}

// WithMaxDecodedSize limits how large a payload may be. Encode refuses larger
// payloads, so everything it produces decodes.
func WithMaxDecodedSize(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// NewCodec builds a Codec. The returned value is safe for concurrent use.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		threshold: DefaultCompressThreshold,
		maxSize:   DefaultMaxDecodedSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("session: codec encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(c.maxSize)),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("session: codec decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Close releases the compression resources held by the codec.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// MaxSize reports the largest payload the codec accepts.
func (c *Codec) MaxSize() int { return c.maxSize }

// Encode wraps data in the stored envelope. Payloads larger than MaxSize are
// rejected with ErrConstraintViolation.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrConstraintViolation, len(data), c.maxSize)
	}

	var flags byte
	body := data
	if c.threshold >= 0 && len(data) > c.threshold {
		compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed) < len(data) {
			body = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = codecVersion
	out[1] = flags
	binary.BigEndian.PutUint64(out[2:headerSize], xxhash.Sum64(data))
	return append(out, body...), nil
}

// Decode unwraps a stored envelope. Every failure matches ErrEncoding.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize {
		return nil, fmt.Errorf("%w: short envelope (%d bytes)", ErrEncoding, len(stored))
	}
	if stored[0] != codecVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrEncoding, stored[0])
	}
	flags := stored[1]
	if flags&^flagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrEncoding, flags)
	}
	sum := binary.BigEndian.Uint64(stored[2:headerSize])
	body := stored[headerSize:]

	data := make([]byte, 0, len(body))
	if flags&flagCompressed != 0 {
		var err error
		data, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrEncoding, err)
		}
		if len(data) > c.maxSize {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrEncoding, c.maxSize)
		}
	} else {
		if len(body) > c.maxSize {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrEncoding, c.maxSize)
		}
		data = append(data, body...)
	}

	if xxhash.Sum64(data) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrEncoding)
	}
	return data, nil
}
