// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the payload codecs used on the message
// receive path. Codecs are stateless after construction and safe for
// concurrent use.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/absmach/pulse/core"
)

// Codec errors.
var (
	ErrUnsupportedCompression = errors.New("unsupported compression type")
	ErrSizeMismatch           = errors.New("decompressed size mismatch")
)

// Codec compresses and decompresses entry payloads. Decompress is given
// the uncompressed size carried in message metadata.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
}

// Provider hands out the codec for a compression type.
type Provider struct {
	none noneCodec
	lz4  lz4Codec
	zlib zlibCodec
	zstd *zstdCodec
}

// NewProvider builds a provider with all supported codecs.
func NewProvider() (*Provider, error) {
	zc, err := newZstdCodec()
	if err != nil {
		return nil, err
	}
	return &Provider{zstd: zc}, nil
}

// Get returns the codec for the given compression type.
func (p *Provider) Get(t core.CompressionType) (Codec, error) {
	switch t {
	case core.CompressionNone:
		return p.none, nil
	case core.CompressionLZ4:
		return p.lz4, nil
	case core.CompressionZlib:
		return p.zlib, nil
	case core.CompressionZstd:
		return p.zstd, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCompression, t)
	}
}

type noneCodec struct{}

func (noneCodec) Compress(src []byte) ([]byte, error) { return src, nil }

func (noneCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	if len(src) != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(src), uncompressedSize)
	}
	return src, nil
}

type lz4Codec struct{}

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("lz4: incompressible payload")
	}
	return dst[:n], nil
}

func (lz4Codec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, n, uncompressedSize)
	}
	return dst, nil
}

type zlibCodec struct{}

func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	dst := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	// Anything left over means the advertised size was wrong.
	var tail [1]byte
	if n, _ := r.Read(tail[:]); n != 0 {
		return nil, fmt.Errorf("%w: payload longer than %d", ErrSizeMismatch, uncompressedSize)
	}
	return dst, nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	dst, err := c.dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, err
	}
	if len(dst) != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(dst), uncompressedSize)
	}
	return dst, nil
}
