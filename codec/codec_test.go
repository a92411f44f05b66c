package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestEncodeDecode(t *testing.T) {
	c := newCodec(t, Options{MaxMessageSize: 1000})

	buf, err := c.Encode([]byte("hello"), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[:IDSize]))
	assert.Equal(t, len(buf), cap(buf), "encoded buffer should be exactly sized")

	id, msg, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, []byte("hello"), msg)

	buf[IDSize+3] = 'X'
	assert.Equal(t, []byte("hello"), msg, "decoded message must not alias the buffer")
}

func TestEncodeNilAndEmpty(t *testing.T) {
	c := newCodec(t, Options{})

	buf, err := c.Encode(nil, 1)
	require.NoError(t, err)
	id, msg, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Nil(t, msg)

	buf, err = c.Encode([]byte{}, 2)
	require.NoError(t, err)
	_, msg, err = c.Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, msg, "empty message must not collapse to nil")
	assert.Equal(t, []byte{}, msg)
}

func TestEncodeTooLarge(t *testing.T) {
	c := newCodec(t, Options{MaxMessageSize: 64})

	buf, err := c.Encode(make([]byte, 64), 7)
	require.ErrorIs(t, err, ErrEncode)
	assert.Nil(t, buf)

	_, err = c.Encode(make([]byte, 16), 7)
	require.NoError(t, err)
}

func TestNewRejectsTinyLimit(t *testing.T) {
	_, err := New(Options{MaxMessageSize: IDSize - 1})
	require.Error(t, err)

	_, err = New(Options{Compression: "brotli"})
	require.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	c := newCodec(t, Options{})

	_, _, err := c.Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrDecode)

	good, err := c.Encode([]byte("payload"), 9)
	require.NoError(t, err)

	_, _, err = c.Decode(good[:IDSize])
	require.ErrorIs(t, err, ErrDecode, "missing envelope")

	truncated := append([]byte(nil), good[:len(good)-3]...)
	id, _, err := c.Decode(truncated)
	require.ErrorIs(t, err, ErrDecode, "truncated payload")
	assert.Equal(t, uint64(9), id, "the id survives a damaged payload")

	bogus := append([]byte(nil), good...)
	bogus[IDSize+1] = 0x7f
	_, _, err = c.Decode(bogus)
	require.ErrorIs(t, err, ErrDecode, "unknown compression id")

	trailing := append(append([]byte(nil), good...), 0xde, 0xad, 0xbe, 0xef)
	id, msg, err := c.Decode(trailing)
	require.ErrorIs(t, err, ErrDecode, "trailing bytes")
	assert.Contains(t, err.Error(), "4 trailing bytes")
	assert.Nil(t, msg)
	assert.Equal(t, uint64(9), id)

	nilMsg, err := c.Encode(nil, 10)
	require.NoError(t, err)
	_, _, err = c.Decode(append(nilMsg, 0x00))
	require.ErrorIs(t, err, ErrDecode, "trailing bytes after a nil message")
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	for _, algo := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(algo), func(t *testing.T) {
			c := newCodec(t, Options{Compression: algo, MinCompressSize: 128})

			buf, err := c.Encode(payload, 5)
			require.NoError(t, err)
			assert.Less(t, len(buf), len(payload), "repetitive payload should shrink")

			id, msg, err := c.Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), id)
			assert.Equal(t, payload, msg)

			plain := newCodec(t, Options{})
			_, msg, err = plain.Decode(buf)
			require.NoError(t, err, "any codec can decode any algorithm")
			assert.Equal(t, payload, msg)
		})
	}
}

func TestCompressionSkippedForSmallOrIncompressible(t *testing.T) {
	c := newCodec(t, Options{Compression: CompressionZstd, MinCompressSize: 1024})
	plain := newCodec(t, Options{})

	small := []byte("tiny message")
	got, err := c.Encode(small, 1)
	require.NoError(t, err)
	want, err := plain.Encode(small, 1)
	require.NoError(t, err)
	assert.Equal(t, want, got, "payloads under the threshold are sent as is")

	random := make([]byte, 2048)
	seed := uint32(2463534242)
	for i := range random {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		random[i] = byte(seed)
	}
	buf, err := c.Encode(random, 2)
	require.NoError(t, err)
	_, msg, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, random, msg)
}

func TestDecompressionLimit(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 64<<10)
	for _, algo := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(algo), func(t *testing.T) {
			sender := newCodec(t, Options{Compression: algo})
			receiver := newCodec(t, Options{MaxDecodedSize: 1024})

			buf, err := sender.Encode(payload, 3)
			require.NoError(t, err)
			_, _, err = receiver.Decode(buf)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{
		"":     CompressionNone,
		"none": CompressionNone,
		"off":  CompressionNone,
		"zstd": CompressionZstd,
		"ZSTD": CompressionZstd,
		"lz4":  CompressionLZ4,
	}
	for in, want := range cases {
		got, err := ParseCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCompression("gzip")
	require.Error(t, err)
}
