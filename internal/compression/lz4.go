// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
)

// LZ4 payloads are an LZ4 frame prefixed with the uvarint decompressed
// length. The frame format handles incompressible input, which the raw block
// format does not.
type lz4Compressor struct{}

var _ Compressor = lz4Compressor{}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

func (lz4Compressor) Compress(dst, src []byte) []byte {
	buf := bytes.NewBuffer(appendLengthPrefix(dst, len(src)))
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		panic(errors.Wrap(err, "lz4 compression"))
	}
	if err := w.Close(); err != nil {
		panic(errors.Wrap(err, "lz4 compression"))
	}
	return buf.Bytes()
}

func (lz4Compressor) Close() {}

type lz4Decompressor struct{}

var _ Decompressor = lz4Decompressor{}

func (lz4Decompressor) DecompressInto(buf, compressed []byte) error {
	_, prefixLen, err := readLengthPrefix(compressed)
	if err != nil {
		return err
	}
	r := lz4.NewReader(bytes.NewReader(compressed[prefixLen:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "lz4 decompression")
	}
	// The frame must not hold more data than advertised.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return errors.New("lz4 decompression: trailing data")
	}
	return nil
}

func (lz4Decompressor) DecompressedLen(b []byte) (int, error) {
	n, _, err := readLengthPrefix(b)
	return n, err
}

func (lz4Decompressor) Close() {}
