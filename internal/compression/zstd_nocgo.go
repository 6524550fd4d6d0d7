// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !cgo

package compression

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// UseStandardZstdLib indicates whether the zstd implementation is a port of the
// official one in the facebook/zstd repository.
//
// We cannot always use the official facebook/zstd implementation since it
// relies on CGo.
const UseStandardZstdLib = false

const defaultZstdLevel = 3

var zstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func initZstdCodec() {
	zstdCodec.once.Do(func() {
		var err error
		zstdCodec.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(defaultZstdLevel)))
		if err != nil {
			panic(errors.Wrap(err, "zstd encoder"))
		}
		zstdCodec.decoder, err = zstd.NewReader(nil)
		if err != nil {
			panic(errors.Wrap(err, "zstd decoder"))
		}
	})
}

type zstdCompressor struct{}

var _ Compressor = zstdCompressor{}

func getZstdCompressor(int) zstdCompressor {
	initZstdCodec()
	return zstdCompressor{}
}

func (zstdCompressor) Algorithm() Algorithm { return Zstd }

// Compress writes the uvarint decompressed length followed by a zstd frame.
// EncodeAll is safe for concurrent use on a shared encoder.
func (zstdCompressor) Compress(dst, src []byte) []byte {
	return zstdCodec.encoder.EncodeAll(src, appendLengthPrefix(dst, len(src)))
}

func (zstdCompressor) Close() {}

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

func getZstdDecompressor() zstdDecompressor {
	initZstdCodec()
	return zstdDecompressor{}
}

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	_, prefixLen, err := readLengthPrefix(src)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	result, err := zstdCodec.decoder.DecodeAll(src[prefixLen:], dst[:0])
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
