// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the block compression algorithms. The
// algorithm set is closed and identified on disk by a one-byte tag; the
// codec behind each tag is pluggable through the Compressor and Decompressor
// interfaces.
package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/redact"
)

// Algorithm is the compression algorithm of a block. Its value is the tag
// byte written to disk and must not change.
type Algorithm uint8

const (
	None Algorithm = iota
	LZ4
	Zstd
	Snappy
	MinLZ
	NumAlgorithms
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "None"
	case LZ4:
		return "LZ4"
	case Zstd:
		return "Zstd"
	case Snappy:
		return "Snappy"
	case MinLZ:
		return "MinLZ"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// SafeFormat implements redact.SafeFormatter.
func (a Algorithm) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(a.String()))
}

// ParseAlgorithm parses the name of an algorithm, as printed by String.
func ParseAlgorithm(s string) (Algorithm, error) {
	for a := None; a < NumAlgorithms; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, errors.Newf("unknown compression algorithm %q", s)
}

// Compressor compresses a buffer.
type Compressor interface {
	Algorithm() Algorithm
	// Compress a block, appending the compressed data to dst[:0].
	Compress(dst, src []byte) []byte
	// Close must be called when the Compressor is no longer needed.
	Close()
}

// Decompressor decompresses a buffer produced by the matching Compressor.
type Decompressor interface {
	// DecompressInto decompresses compressed into buf. The buf slice must have
	// the exact size as the decompressed value.
	DecompressInto(buf, compressed []byte) error
	// DecompressedLen returns the length of the provided block once
	// decompressed.
	DecompressedLen(b []byte) (decompressedLen int, err error)
	// Close must be called when the Decompressor is no longer needed.
	Close()
}

// GetCompressor returns a Compressor for the algorithm.
func GetCompressor(a Algorithm) Compressor {
	switch a {
	case None:
		return rawCodec{}
	case LZ4:
		return lz4Compressor{}
	case Zstd:
		return getZstdCompressor(defaultZstdLevel)
	case Snappy:
		return snappyCodec
	case MinLZ:
		return minlzCodec
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", uint8(a)))
	}
}

// GetDecompressor returns a Decompressor for the algorithm.
func GetDecompressor(a Algorithm) (Decompressor, error) {
	switch a {
	case None:
		return rawCodec{}, nil
	case LZ4:
		return lz4Decompressor{}, nil
	case Zstd:
		return getZstdDecompressor(), nil
	case Snappy:
		return snappyCodec, nil
	case MinLZ:
		return minlzCodec, nil
	default:
		return nil, base.CorruptionErrorf("hummock: unknown compression tag %d", errors.Safe(uint8(a)))
	}
}

// Compress compresses src with the algorithm, appending to dst[:0].
func Compress(a Algorithm, dst, src []byte) []byte {
	c := GetCompressor(a)
	defer c.Close()
	return c.Compress(dst, src)
}

// Decompress decompresses b, which was compressed with the algorithm, into a
// newly allocated buffer.
func Decompress(a Algorithm, b []byte) ([]byte, error) {
	d, err := GetDecompressor(a)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	n, err := d.DecompressedLen(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := d.DecompressInto(buf, b); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return buf, nil
}

// appendLengthPrefix writes the uvarint-encoded decompressed length that
// prefixes LZ4 and Zstd payloads.
func appendLengthPrefix(dst []byte, n int) []byte {
	return binary.AppendUvarint(dst[:0], uint64(n))
}

const (
	// maxDecompressedLen caps the length a prefix may advertise.
	maxDecompressedLen = 1 << 30
	// maxCompressionRatio bounds the advertised length by the payload
	// following the prefix. It exceeds the ratio of a Zstd RLE block.
	maxCompressionRatio = 1 << 16
)

// readLengthPrefix parses the prefix written by appendLengthPrefix.
func readLengthPrefix(b []byte) (decodedLen int, prefixLen int, err error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, base.CorruptionErrorf("hummock: compression block has invalid length")
	}
	if v > maxDecompressedLen || v > uint64(len(b)-n)*maxCompressionRatio {
		return 0, 0, base.CorruptionErrorf("hummock: compression block of %d bytes advertises %d bytes",
			errors.Safe(len(b)), errors.Safe(v))
	}
	return int(v), n, nil
}

// checkDecompressedInto verifies a codec produced exactly len(buf) bytes and
// moves them into buf if the codec allocated.
func checkDecompressedInto(buf, result []byte) error {
	if len(result) != len(buf) {
		return base.CorruptionErrorf("hummock: decompressed %d bytes, expected %d",
			errors.Safe(len(result)), errors.Safe(len(buf)))
	}
	if len(result) > 0 && &result[0] != &buf[0] {
		copy(buf, result)
	}
	return nil
}
