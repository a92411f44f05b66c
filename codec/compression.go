package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names a payload compression algorithm.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

var errDecodedTooLarge = errors.New("decompressed payload exceeds limit")

// ParseCompression maps a configuration value onto a Compression.
func ParseCompression(value string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none", "off":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("codec: unknown compression %q", value)
	}
}

func (c Compression) id() uint8 {
	switch c {
	case CompressionZstd:
		return 1
	case CompressionLZ4:
		return 2
	default:
		return 0
	}
}

func compressionByID(id uint8) (Compression, bool) {
	switch id {
	case 0:
		return CompressionNone, true
	case 1:
		return CompressionZstd, true
	case 2:
		return CompressionLZ4, true
	default:
		return "", false
	}
}

type compressor interface {
	algorithm() Compression
	compress([]byte) ([]byte, error)
	decompress([]byte) ([]byte, error)
	close()
}

func newCompressors(maxDecoded int) (map[Compression]compressor, error) {
	z, err := newZstdCompressor(maxDecoded)
	if err != nil {
		return nil, err
	}
	return map[Compression]compressor{
		CompressionZstd: z,
		CompressionLZ4:  &lz4Compressor{maxDecoded: maxDecoded},
	}, nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor(maxDecoded int) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) algorithm() Compression {
	return CompressionZstd
}

func (z *zstdCompressor) compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

func (z *zstdCompressor) close() {
	_ = z.enc.Close()
	z.dec.Close()
}

type lz4Compressor struct {
	maxDecoded int
}

func (l *lz4Compressor) algorithm() Compression {
	return CompressionLZ4
}

func (l *lz4Compressor) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (l *lz4Compressor) decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(r, int64(l.maxDecoded)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > l.maxDecoded {
		return nil, errDecodedTooLarge
	}
	return out, nil
}

func (l *lz4Compressor) close() {}
