// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package block implements the columnar block, the unit of storage of a
// sorted table.
package block

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/internal/compression"
)

// Block is a decoded, immutable block. Rows are addressed by their position
// in key order; put rows also have a position among the non-deleted rows
// which indexes the column arrays.
type Block struct {
	algo       compression.Algorithm
	schema     Schema
	keyStride  int
	entryCount int
	validCount int
	keys       []byte
	text       []byte
	columns    []byte
	states     []byte
	lens       []uint32
	offsets    []uint32
}

// ValidateChecksum verifies the xxhash64 trailer of an encoded block.
func ValidateChecksum(data []byte) error {
	if len(data) < physicalTrailerLen {
		return base.CorruptionErrorf("hummock: block of %d bytes is too short", errors.Safe(len(data)))
	}
	n := len(data) - checksumLen
	expected := binary.LittleEndian.Uint64(data[n:])
	if computed := xxhash.Sum64(data[:n]); computed != expected {
		return base.CorruptionErrorf("hummock: block checksum mismatch: expected %x, computed %x",
			errors.Safe(expected), errors.Safe(computed))
	}
	return nil
}

// Decode verifies and decodes an encoded block. The returned block does not
// alias data.
func Decode(data []byte) (*Block, error) {
	if err := ValidateChecksum(data); err != nil {
		return nil, err
	}
	n := len(data) - physicalTrailerLen
	algo := compression.Algorithm(data[n])
	body, err := compression.Decompress(algo, data[:n])
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing %s block", algo)
	}
	b := &Block{algo: algo}
	if err := b.parse(body); err != nil {
		return nil, err
	}
	return b, nil
}

// trailerReader reads fixed-width fields from the end of a buffer.
type trailerReader struct {
	buf []byte
	err error
}

func (r *trailerReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = base.CorruptionErrorf("hummock: block trailer truncated")
		return nil
	}
	v := r.buf[len(r.buf)-n:]
	r.buf = r.buf[:len(r.buf)-n]
	return v
}

func (r *trailerReader) u16() int {
	if b := r.take(2); b != nil {
		return int(binary.LittleEndian.Uint16(b))
	}
	return 0
}

func (r *trailerReader) u32() int {
	if b := r.take(4); b != nil {
		return int(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func (r *trailerReader) u32s(n int) []uint32 {
	b := r.take(n * 4)
	if b == nil {
		return nil
	}
	v := make([]uint32, n)
	for i := range v {
		v[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return v
}

func (b *Block) parse(body []byte) error {
	r := trailerReader{buf: body}
	b.entryCount = r.u16()
	b.validCount = r.u16()
	colCount := r.u16()
	types := r.take(colCount)
	b.keyStride = r.u16()
	textBytes := r.u32()
	keyBytes := r.u32()
	statesBytes := r.u32()
	offsetsBytes := r.u32()
	if r.err != nil {
		return r.err
	}

	b.schema = make(Schema, colCount)
	for i, t := range types {
		b.schema[i] = ColumnType(t)
		if !b.schema[i].Valid() {
			return base.CorruptionErrorf("hummock: unknown column type %d", errors.Safe(t))
		}
	}
	varCount := b.schema.VariableColumns()
	if offsetsBytes != (colCount+varCount)*4 {
		return base.CorruptionErrorf("hummock: offsets table of %d bytes for %d columns",
			errors.Safe(offsetsBytes), errors.Safe(colCount))
	}
	if b.validCount > b.entryCount {
		return base.CorruptionErrorf("hummock: %d valid rows exceed %d rows",
			errors.Safe(b.validCount), errors.Safe(b.entryCount))
	}
	if statesBytes != colCount*stateWords(b.validCount)*4 {
		return base.CorruptionErrorf("hummock: states of %d bytes for %d columns",
			errors.Safe(statesBytes), errors.Safe(colCount))
	}
	if (b.entryCount > 0 && b.keyStride < keySuffixLen) || keyBytes != b.entryCount*b.keyStride {
		return base.CorruptionErrorf("hummock: %d key bytes for %d rows of stride %d",
			errors.Safe(keyBytes), errors.Safe(b.entryCount), errors.Safe(b.keyStride))
	}
	b.offsets = r.u32s(offsetsBytes / 4)
	b.lens = r.u32s(offsetsBytes / 4)
	b.states = r.take(statesBytes)
	if r.err != nil {
		return r.err
	}
	front := r.buf
	if keyBytes+textBytes > len(front) {
		return base.CorruptionErrorf("hummock: block regions exceed block size")
	}
	b.keys = front[:keyBytes]
	b.text = front[keyBytes : keyBytes+textBytes]
	b.columns = front[keyBytes+textBytes:]
	if err := b.validateRegions(); err != nil {
		return err
	}
	return b.validateKeys()
}

func (b *Block) validateRegions() error {
	colCount := len(b.schema)
	varIdx := 0
	for c, t := range b.schema {
		off, l := int(b.offsets[c]), int(b.lens[c])
		if off+l > len(b.columns) {
			return base.CorruptionErrorf("hummock: column %d region out of bounds", errors.Safe(c))
		}
		if w, fixed := t.FixedWidth(); fixed {
			if l != w*b.validCount {
				return base.CorruptionErrorf("hummock: column %d has %d bytes for %d rows",
					errors.Safe(c), errors.Safe(l), errors.Safe(b.validCount))
			}
			continue
		}
		if l != (b.validCount+1)*4 {
			return base.CorruptionErrorf("hummock: column %d has %d offset bytes for %d rows",
				errors.Safe(c), errors.Safe(l), errors.Safe(b.validCount))
		}
		textOff, textLen := int(b.offsets[colCount+varIdx]), int(b.lens[colCount+varIdx])
		if textOff+textLen > len(b.text) {
			return base.CorruptionErrorf("hummock: column %d text out of bounds", errors.Safe(c))
		}
		prev := uint32(0)
		for i := 0; i <= b.validCount; i++ {
			o := binary.LittleEndian.Uint32(b.columns[off+i*4:])
			if o < prev || int(o) > textLen {
				return base.CorruptionErrorf("hummock: column %d has bad text offset", errors.Safe(c))
			}
			prev = o
		}
		varIdx++
	}
	return nil
}

func (b *Block) validateKeys() error {
	puts := 0
	for i := 0; i < b.entryCount; i++ {
		suffix := b.keys[(i+1)*b.keyStride-keySuffixLen : (i+1)*b.keyStride]
		seq := binary.LittleEndian.Uint16(suffix[1:])
		switch suffix[0] {
		case 0:
			if int(seq) != puts {
				return base.CorruptionErrorf("hummock: row %d has put sequence %d, expected %d",
					errors.Safe(i), errors.Safe(seq), errors.Safe(puts))
			}
			puts++
		case 1:
			if seq != deletedPutSeq {
				return base.CorruptionErrorf("hummock: deleted row %d has put sequence %d",
					errors.Safe(i), errors.Safe(seq))
			}
		default:
			return base.CorruptionErrorf("hummock: row %d has bad tombstone byte %d",
				errors.Safe(i), errors.Safe(suffix[0]))
		}
	}
	if puts != b.validCount {
		return base.CorruptionErrorf("hummock: %d put rows, header says %d",
			errors.Safe(puts), errors.Safe(b.validCount))
	}
	return nil
}

// Compression returns the algorithm the block was compressed with.
func (b *Block) Compression() compression.Algorithm {
	return b.algo
}

// Schema returns the column types of the block.
func (b *Block) Schema() Schema {
	return b.schema
}

// Len returns the number of rows, including deleted rows.
func (b *Block) Len() int {
	return b.entryCount
}

// ValidLen returns the number of non-deleted rows.
func (b *Block) ValidLen() int {
	return b.validCount
}

// Key returns the full key of the i-th row.
func (b *Block) Key(i int) []byte {
	start := i * b.keyStride
	return b.keys[start : start+b.keyStride-keySuffixLen]
}

// IsDeleted returns true if the i-th row is a tombstone.
func (b *Block) IsDeleted(i int) bool {
	return b.keys[(i+1)*b.keyStride-keySuffixLen] == 1
}

func (b *Block) putSeq(i int) int {
	end := (i + 1) * b.keyStride
	return int(binary.LittleEndian.Uint16(b.keys[end-2 : end]))
}

// Row returns the datums of the i-th row, or nil if the row is deleted.
func (b *Block) Row(i int) Row {
	if b.IsDeleted(i) {
		return nil
	}
	seq := b.putSeq(i)
	row := make(Row, len(b.schema))
	for c := range b.schema {
		row[c] = b.datum(c, seq)
	}
	return row
}

// Value returns the i-th row as a value.
func (b *Block) Value(i int) base.Value {
	row := b.Row(i)
	if row == nil {
		return base.DeleteValue()
	}
	return base.PutValue(MustEncodeRow(b.schema, row))
}

// SeekGE returns the index of the first row whose key is >= key, or Len()
// if there is none.
func (b *Block) SeekGE(key []byte) int {
	return sort.Search(b.entryCount, func(i int) bool {
		return base.CompareFullKeys(b.Key(i), key) >= 0
	})
}

func (b *Block) present(col, seq int) bool {
	words := stateWords(b.validCount)
	w := binary.LittleEndian.Uint32(b.states[(col*words+seq/32)*4:])
	return w&(1<<(seq%32)) != 0
}

func (b *Block) datum(col, seq int) Datum {
	if !b.present(col, seq) {
		return nil
	}
	t := b.schema[col]
	region := b.columns[b.offsets[col] : b.offsets[col]+b.lens[col]]
	if w, fixed := t.FixedWidth(); fixed {
		return Datum(region[seq*w : (seq+1)*w : (seq+1)*w])
	}
	varIdx := 0
	for c := 0; c < col; c++ {
		if _, fixed := b.schema[c].FixedWidth(); !fixed {
			varIdx++
		}
	}
	textOff := b.offsets[len(b.schema)+varIdx]
	start := textOff + binary.LittleEndian.Uint32(region[seq*4:])
	end := textOff + binary.LittleEndian.Uint32(region[(seq+1)*4:])
	return Datum(b.text[start:end:end])
}
