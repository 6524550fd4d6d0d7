// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/minio/minlz"
)

// blockCodec serves the algorithms whose block format records the decoded
// length itself, so payloads carry no length prefix.
type blockCodec struct {
	algorithm  Algorithm
	encode     func(dst, src []byte) []byte
	decode     func(dst, src []byte) ([]byte, error)
	decodedLen func(src []byte) (int, error)
}

var (
	_ Compressor   = (*blockCodec)(nil)
	_ Decompressor = (*blockCodec)(nil)
)

var (
	snappyCodec = &blockCodec{
		algorithm:  Snappy,
		encode:     snappy.Encode,
		decode:     snappy.Decode,
		decodedLen: snappy.DecodedLen,
	}
	minlzCodec = &blockCodec{
		algorithm:  MinLZ,
		encode:     encodeMinLZ,
		decode:     minlz.Decode,
		decodedLen: minlz.DecodedLen,
	}
)

// encodeMinLZ writes blocks above the MinLZ size limit as Snappy, which the
// MinLZ decoder reads.
func encodeMinLZ(dst, src []byte) []byte {
	if len(src) > minlz.MaxBlockSize {
		return snappy.Encode(dst, src)
	}
	res, err := minlz.Encode(dst, src, minlz.LevelFastest)
	if err != nil {
		panic(errors.Wrap(err, "minlz compression"))
	}
	return res
}

func (c *blockCodec) Algorithm() Algorithm { return c.algorithm }

func (c *blockCodec) Compress(dst, src []byte) []byte {
	return c.encode(dst[:cap(dst)], src)
}

func (c *blockCodec) DecompressInto(buf, compressed []byte) error {
	res, err := c.decode(buf, compressed)
	if err != nil {
		return errors.Wrapf(err, "%s decompression", c.algorithm)
	}
	return checkDecompressedInto(buf, res)
}

func (c *blockCodec) DecompressedLen(b []byte) (int, error) {
	return c.decodedLen(b)
}

func (c *blockCodec) Close() {}

// rawCodec stores blocks as is.
type rawCodec struct{}

var (
	_ Compressor   = rawCodec{}
	_ Decompressor = rawCodec{}
)

func (rawCodec) Algorithm() Algorithm { return None }

func (rawCodec) Compress(dst, src []byte) []byte { return append(dst[:0], src...) }

func (rawCodec) DecompressInto(buf, compressed []byte) error {
	if len(buf) != len(compressed) {
		return checkDecompressedInto(buf, compressed)
	}
	copy(buf, compressed)
	return nil
}

func (rawCodec) DecompressedLen(b []byte) (int, error) { return len(b), nil }

func (rawCodec) Close() {}
