package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	c, err := NewCodec(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func mustEncode(t *testing.T, c *Codec, data []byte) []byte {
	t.Helper()
	stored, err := c.Encode(data)
	require.NoError(t, err)
	return stored
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name           string
		data           []byte
		wantCompressed bool
	}{
		{name: "empty", data: []byte{}},
		{name: "small", data: []byte(`{"user":42}`)},
		{name: "large repetitive", data: bytes.Repeat([]byte("session-state;"), 512), wantCompressed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := mustEncode(t, c, tt.data)
			assert.Equal(t, tt.wantCompressed, stored[1]&flagCompressed != 0)

			got, err := c.Decode(stored)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.data, got), "decoded payload differs")
		})
	}
}

func TestCodecCompressionDisabled(t *testing.T) {
	c := newTestCodec(t, WithCompressThreshold(-1))

	data := bytes.Repeat([]byte{'a'}, 8192)
	stored := mustEncode(t, c, data)
	assert.Zero(t, stored[1]&flagCompressed)
	assert.Len(t, stored, headerSize+len(data))
}

func TestCodecDecodeMalformed(t *testing.T) {
	c := newTestCodec(t)
	valid := mustEncode(t, c, []byte("hello"))
	compressed := mustEncode(t, c, bytes.Repeat([]byte("x"), 4096))

	tamper := func(src []byte, i int) []byte {
		out := append([]byte(nil), src...)
		out[i] ^= 0xff
		return out
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "nil", input: nil},
		{name: "short header", input: valid[:headerSize-1]},
		{name: "unknown version", input: tamper(valid, 0)},
		{name: "unknown flags", input: append([]byte{codecVersion, 0x80}, valid[2:]...)},
		{name: "checksum mismatch", input: tamper(valid, len(valid)-1)},
		{name: "corrupt compressed body", input: tamper(compressed, headerSize+2)},
		{name: "compressed flag on plain body", input: append([]byte{codecVersion, flagCompressed}, valid[2:]...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Decode(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEncoding), "got %v", err)
			assert.Nil(t, got)
		})
	}
}

func TestCodecMaxDecodedSize(t *testing.T) {
	big := newTestCodec(t)
	small := newTestCodec(t, WithMaxDecodedSize(16<<10))
	plainSmall := newTestCodec(t, WithMaxDecodedSize(16<<10), WithCompressThreshold(-1))

	tests := []struct {
		name  string
		codec *Codec
		data  []byte
	}{
		{name: "compressed", codec: big, data: bytes.Repeat([]byte("z"), 64<<10)},
		{name: "plain", codec: newTestCodec(t, WithCompressThreshold(-1)), data: bytes.Repeat([]byte("z"), 64<<10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := mustEncode(t, tt.codec, tt.data)

			_, err := small.Decode(stored)
			require.ErrorIs(t, err, ErrEncoding)
			_, err = plainSmall.Decode(stored)
			require.ErrorIs(t, err, ErrEncoding)
		})
	}
}

func TestCodecSizeLimitIsSymmetric(t *testing.T) {
	const limit = 16 << 10

	for _, threshold := range []int{DefaultCompressThreshold, -1} {
		c := newTestCodec(t, WithMaxDecodedSize(limit), WithCompressThreshold(threshold))

		atLimit := bytes.Repeat([]byte("a"), limit)
		stored := mustEncode(t, c, atLimit)
		got, err := c.Decode(stored)
		require.NoError(t, err, "threshold %d", threshold)
		assert.True(t, bytes.Equal(atLimit, got))

		_, err = c.Encode(bytes.Repeat([]byte("a"), limit+1))
		require.ErrorIs(t, err, ErrConstraintViolation, "threshold %d", threshold)
		assert.NotErrorIs(t, err, ErrEncoding)
	}
	assert.Equal(t, DefaultMaxDecodedSize, newTestCodec(t).MaxSize())
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		require.Len(t, id, 43)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
	}
}
