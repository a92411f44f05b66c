// Package codec frames application messages for the wire.
//
// Every message is laid out as
//
//	[8 bytes: correlation id, big endian][N bytes: serialized payload]
//
// The payload is a polyglot envelope holding a one-byte compression
// identifier followed by the (possibly compressed) message bytes, so a
// decoder never needs out-of-band knowledge of how the sender encoded it.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loopholelabs/polyglot/v2"
)

// IDSize is the width of the correlation id prefix.
const IDSize = 8

const (
	// DefaultMinCompressSize is the smallest payload considered for compression.
	DefaultMinCompressSize = 1024
	// DefaultMaxDecodedSize bounds the size of a decompressed payload.
	DefaultMaxDecodedSize = 64 << 20
)

var (
	// ErrEncode indicates a message could not be serialized. No partial
	// buffer is ever returned alongside it.
	ErrEncode = errors.New("codec: encode failed")
	// ErrDecode indicates a received buffer could not be parsed.
	ErrDecode = errors.New("codec: decode failed")
)

// Options configures a Codec.
type Options struct {
	// MaxMessageSize bounds the encoded size, id prefix included. Zero
	// disables the check.
	MaxMessageSize int
	// Compression selects the algorithm applied to large payloads.
	Compression Compression
	// MinCompressSize is the payload size at which compression kicks in.
	MinCompressSize int
	// MaxDecodedSize bounds decompressed payloads.
	MaxDecodedSize int
}

// Codec encodes and decodes wire messages. It is safe for concurrent use.
type Codec struct {
	maxSize     int
	minCompress int
	compressor  compressor
	decoders    map[Compression]compressor
}

// New constructs a codec.
func New(opts Options) (*Codec, error) {
	if opts.MinCompressSize <= 0 {
		opts.MinCompressSize = DefaultMinCompressSize
	}
	if opts.MaxDecodedSize <= 0 {
		opts.MaxDecodedSize = DefaultMaxDecodedSize
	}
	if opts.MaxMessageSize > 0 && opts.MaxMessageSize < IDSize {
		return nil, fmt.Errorf("codec: max message size %d smaller than id prefix", opts.MaxMessageSize)
	}
	algo, err := ParseCompression(string(opts.Compression))
	if err != nil {
		return nil, err
	}
	decoders, err := newCompressors(opts.MaxDecodedSize)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		maxSize:     opts.MaxMessageSize,
		minCompress: opts.MinCompressSize,
		decoders:    decoders,
	}
	if algo != CompressionNone {
		c.compressor = decoders[algo]
	}
	return c, nil
}

// MaxMessageSize returns the configured encoded size limit.
func (c *Codec) MaxMessageSize() int {
	return c.maxSize
}

// Encode serializes msg and prefixes it with id. The returned buffer is sized
// exactly to its content.
func (c *Codec) Encode(msg []byte, id uint64) ([]byte, error) {
	algo := CompressionNone
	data := msg
	if msg != nil && c.compressor != nil && len(msg) >= c.minCompress {
		compressed, err := c.compressor.compress(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s compression: %w", ErrEncode, c.compressor.algorithm(), err)
		}
		if len(compressed) < len(msg) {
			algo = c.compressor.algorithm()
			data = compressed
		}
	}

	buf := polyglot.GetBuffer()
	defer polyglot.PutBuffer(buf)
	enc := polyglot.Encoder(buf).Uint8(algo.id())
	if data == nil {
		enc.Nil()
	} else {
		enc.Bytes(data)
	}

	size := IDSize + buf.Len()
	if c.maxSize > 0 && size > c.maxSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit of %d", ErrEncode, size, c.maxSize)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint64(out[:IDSize], id)
	copy(out[IDSize:], buf.Bytes())
	return out, nil
}

// Decode splits buf into its correlation id and message. The message never
// aliases buf. A nil message decodes as nil and an empty one as an empty,
// non-nil slice. Bytes left over after the envelope are a decode error.
func (c *Codec) Decode(buf []byte) (uint64, []byte, error) {
	if len(buf) < IDSize {
		return 0, nil, fmt.Errorf("%w: buffer of %d bytes shorter than id prefix", ErrDecode, len(buf))
	}
	id := binary.BigEndian.Uint64(buf[:IDSize])
	d := polyglot.Decoder(buf[IDSize:])
	algoID, err := d.Uint8()
	if err != nil {
		return id, nil, errors.Join(ErrDecode, err)
	}
	algo, ok := compressionByID(algoID)
	if !ok {
		return id, nil, fmt.Errorf("%w: unknown compression id %d", ErrDecode, algoID)
	}
	if d.Nil() {
		if err := checkTrailing(d); err != nil {
			return id, nil, err
		}
		return id, nil, nil
	}
	data, err := d.Bytes(nil)
	if err != nil {
		return id, nil, errors.Join(ErrDecode, err)
	}
	if err := checkTrailing(d); err != nil {
		return id, nil, err
	}
	if data == nil {
		data = []byte{}
	}
	if algo == CompressionNone {
		return id, data, nil
	}
	plain, err := c.decoders[algo].decompress(data)
	if err != nil {
		return id, nil, fmt.Errorf("%w: %s decompression: %w", ErrDecode, algo, err)
	}
	return id, plain, nil
}

func checkTrailing(d *polyglot.BufferDecoder) error {
	if n := len(*d); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, n)
	}
	return nil
}

// Close releases compressor resources.
func (c *Codec) Close() {
	for _, comp := range c.decoders {
		comp.close()
	}
}
