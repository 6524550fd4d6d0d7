// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package block

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/internal/compression"
	"github.com/cockroachdb/hummock/internal/invariants"
)

const (
	// MaxEntries is the maximum number of rows in a block. Row counts are
	// stored as u16 and the put sequence number 0xFFFF is reserved.
	MaxEntries = math.MaxUint16
	// MaxKeyLen is the longest full key a block can hold.
	MaxKeyLen = math.MaxUint16 - keySuffixLen

	// keySuffixLen is the tombstone byte plus the u16 put sequence number
	// that follow every key in the keys array.
	keySuffixLen = 3
	// deletedPutSeq is the put sequence number of deleted rows.
	deletedPutSeq = math.MaxUint16

	// checksumLen is the xxhash64 trailer.
	checksumLen = 8
	// physicalTrailerLen is the compression tag plus the checksum.
	physicalTrailerLen = 1 + checksumLen
)

// Builder accumulates sorted rows and encodes them into a block. All keys of
// a block have the same length.
type Builder struct {
	schema  Schema
	algo    compression.Algorithm
	keyLen  int
	keys    []byte
	lastKey []byte
	entries int
	rows    []Row
	rawSize int
}

// NewBuilder returns a Builder for rows of the schema.
func NewBuilder(schema Schema, algo compression.Algorithm) *Builder {
	b := &Builder{schema: schema, algo: algo}
	b.Reset()
	return b
}

// Reset clears the builder so that it can build another block.
func (b *Builder) Reset() {
	b.keyLen = -1
	b.keys = b.keys[:0]
	b.lastKey = b.lastKey[:0]
	b.entries = 0
	b.rows = b.rows[:0]
	b.rawSize = 0
}

// Schema returns the schema of the rows of the block.
func (b *Builder) Schema() Schema {
	return b.schema
}

// Len returns the number of rows added so far.
func (b *Builder) Len() int {
	return b.entries
}

// Empty returns true if no row was added since the last Reset.
func (b *Builder) Empty() bool {
	return b.entries == 0
}

// EstimatedSize returns the uncompressed size of the rows added so far.
func (b *Builder) EstimatedSize() int {
	return len(b.keys) + b.rawSize
}

// CanAdd returns true if a row with the given key fits into the block.
func (b *Builder) CanAdd(fullKey []byte) bool {
	if b.entries >= MaxEntries || len(fullKey) > MaxKeyLen {
		return false
	}
	return b.keyLen < 0 || b.keyLen == len(fullKey)
}

// Add appends a row. Keys must be added in strictly increasing order.
func (b *Builder) Add(fullKey []byte, v base.Value) error {
	if !b.CanAdd(fullKey) {
		return errors.Newf("hummock: key of length %d does not fit block with key length %d and %d rows",
			len(fullKey), b.keyLen, b.entries)
	}
	if invariants.Enabled && b.entries > 0 && base.CompareFullKeys(b.lastKey, fullKey) >= 0 {
		panic(errors.AssertionFailedf("keys out of order: %s, %s",
			base.FormatFullKey(b.lastKey), base.FormatFullKey(fullKey)))
	}
	putSeq := uint16(deletedPutSeq)
	var tombstone byte = 1
	if !v.IsDelete() {
		row, err := DecodeRow(b.schema, append([]byte(nil), v.Data...))
		if err != nil {
			return errors.Wrapf(err, "row for key %s", base.FormatFullKey(fullKey))
		}
		putSeq = uint16(len(b.rows))
		tombstone = 0
		b.rows = append(b.rows, row)
		b.rawSize += len(v.Data)
	}
	b.keyLen = len(fullKey)
	b.keys = append(b.keys, fullKey...)
	b.keys = append(b.keys, tombstone)
	b.keys = binary.LittleEndian.AppendUint16(b.keys, putSeq)
	b.lastKey = append(b.lastKey[:0], fullKey...)
	b.entries++
	return nil
}

// Finish encodes the block. The builder must be Reset before reuse.
//
// The uncompressed body has the following layout, with the trailer written
// last and parsed first:
//
//	keys | text | columns | states | lens | offsets |
//	offsetsBytes:u32 | statesBytes:u32 | keyBytes:u32 | textBytes:u32 |
//	keyStride:u16 | type:u8 * columnCount |
//	columnCount:u16 | validCount:u16 | entryCount:u16
//
// The body is compressed and followed by the compression tag and an xxhash64
// of everything before the checksum.
func (b *Builder) Finish() []byte {
	colCount := len(b.schema)
	varCount := b.schema.VariableColumns()
	validCount := len(b.rows)
	keyStride := 0
	if b.entries > 0 {
		keyStride = b.keyLen + keySuffixLen
	}

	// Variable-width text, one region per variable column.
	var text []byte
	textOffsets := make([]uint32, varCount)
	textLens := make([]uint32, varCount)
	varIdx := 0
	for c, t := range b.schema {
		if _, fixed := t.FixedWidth(); fixed {
			continue
		}
		start := len(text)
		for _, row := range b.rows {
			text = append(text, row[c]...)
		}
		textOffsets[varIdx] = uint32(start)
		textLens[varIdx] = uint32(len(text) - start)
		varIdx++
	}

	// Column regions: flat arrays for fixed-width columns, offsets into the
	// column's text region for variable-width columns.
	var columns []byte
	colOffsets := make([]uint32, colCount)
	colLens := make([]uint32, colCount)
	for c, t := range b.schema {
		start := len(columns)
		if w, fixed := t.FixedWidth(); fixed {
			for _, row := range b.rows {
				if row[c].IsNull() {
					columns = append(columns, make([]byte, w)...)
				} else {
					columns = append(columns, row[c]...)
				}
			}
		} else {
			var off uint32
			columns = binary.LittleEndian.AppendUint32(columns, off)
			for _, row := range b.rows {
				off += uint32(len(row[c]))
				columns = binary.LittleEndian.AppendUint32(columns, off)
			}
		}
		colOffsets[c] = uint32(start)
		colLens[c] = uint32(len(columns) - start)
	}

	// Presence bitmaps, packed into u32 words per column.
	words := stateWords(validCount)
	states := make([]byte, 0, colCount*words*4)
	for c := range b.schema {
		bitmap := make([]uint32, words)
		for r, row := range b.rows {
			if !row[c].IsNull() {
				bitmap[r/32] |= 1 << (r % 32)
			}
		}
		for _, w := range bitmap {
			states = binary.LittleEndian.AppendUint32(states, w)
		}
	}

	body := make([]byte, 0, len(b.keys)+len(text)+len(columns)+len(states)+64)
	body = append(body, b.keys...)
	body = append(body, text...)
	body = append(body, columns...)
	body = append(body, states...)
	for _, l := range append(colLens, textLens...) {
		body = binary.LittleEndian.AppendUint32(body, l)
	}
	for _, o := range append(colOffsets, textOffsets...) {
		body = binary.LittleEndian.AppendUint32(body, o)
	}
	offsetsBytes := (colCount + varCount) * 4
	body = binary.LittleEndian.AppendUint32(body, uint32(offsetsBytes))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(states)))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(b.keys)))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(text)))
	body = binary.LittleEndian.AppendUint16(body, uint16(keyStride))
	for _, t := range b.schema {
		body = append(body, byte(t))
	}
	body = binary.LittleEndian.AppendUint16(body, uint16(colCount))
	body = binary.LittleEndian.AppendUint16(body, uint16(validCount))
	body = binary.LittleEndian.AppendUint16(body, uint16(b.entries))

	out := compression.Compress(b.algo, nil, body)
	out = append(out, byte(b.algo))
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

func stateWords(validCount int) int {
	return (validCount + 31) / 32
}
