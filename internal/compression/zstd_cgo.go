// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build cgo

package compression

import (
	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
)

// UseStandardZstdLib indicates whether the zstd implementation is a port of the
// official one in the facebook/zstd repository.
const UseStandardZstdLib = true

const defaultZstdLevel = 3

type zstdCompressor struct {
	level int
}

var _ Compressor = (*zstdCompressor)(nil)

func getZstdCompressor(level int) *zstdCompressor {
	return &zstdCompressor{level: level}
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }

// Compress writes the uvarint decompressed length followed by a zstd frame.
func (z *zstdCompressor) Compress(dst, src []byte) []byte {
	prefix := appendLengthPrefix(dst, len(src))
	out := make([]byte, len(prefix)+zstd.CompressBound(len(src)))
	copy(out, prefix)
	result, err := zstd.CompressLevel(out[len(prefix):], src, z.level)
	if err != nil {
		panic(errors.Wrap(err, "zstd compression"))
	}
	return append(out[:len(prefix)], result...)
}

func (z *zstdCompressor) Close() {}

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

func getZstdDecompressor() zstdDecompressor {
	return zstdDecompressor{}
}

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	_, prefixLen, err := readLengthPrefix(src)
	if err != nil {
		return err
	}
	src = src[prefixLen:]
	if len(dst) == 0 {
		return nil
	}
	if len(src) == 0 {
		return errors.Errorf("decodeZstd: empty src buffer")
	}
	result, err := zstd.Decompress(dst, src)
	if err != nil {
		return err
	}
	return checkDecompressedInto(dst, result)
}

func (zstdDecompressor) DecompressedLen(b []byte) (int, error) {
	n, _, err := readLengthPrefix(b)
	return n, err
}

func (zstdDecompressor) Close() {}
