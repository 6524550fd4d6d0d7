// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/internal/compression"
	"github.com/cockroachdb/hummock/sstable/block"
)

// SchemaFunc returns the schema of the row values stored under a user key.
type SchemaFunc func(userKey []byte) block.Schema

// WriterOptions configure a Writer.
type WriterOptions struct {
	// BlockSize is the target uncompressed size of a data block.
	BlockSize int
	// Compression is the algorithm used for data blocks.
	Compression compression.Algorithm
	// Schema resolves the row schema of a key. Nil stores values as a single
	// bytea column.
	Schema SchemaFunc
}

// EnsureDefaults fills in default values for unset fields.
func (o WriterOptions) EnsureDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.Schema == nil {
		o.Schema = func([]byte) block.Schema { return block.DefaultSchema }
	}
	return o
}

// Writer builds a table from keys added in strictly increasing order. A new
// data block is started when the current one reaches the target size, when
// the key length or the row schema changes, or when the block is full.
type Writer struct {
	opts    WriterOptions
	buf     []byte
	builder *block.Builder
	index   []indexEntry
	props   Properties
	lastKey []byte
}

// NewWriter returns a Writer.
func NewWriter(opts WriterOptions) *Writer {
	return &Writer{opts: opts.EnsureDefaults()}
}

// Add appends a key and its value.
func (w *Writer) Add(fullKey []byte, v base.Value) error {
	if w.props.NumEntries > 0 && base.CompareFullKeys(w.lastKey, fullKey) >= 0 {
		return errors.AssertionFailedf("hummock: keys added out of order: %s after %s",
			base.FormatFullKey(fullKey), base.FormatFullKey(w.lastKey))
	}
	userKey, epoch := base.SplitFullKey(fullKey)
	schema := w.opts.Schema(userKey)
	if w.builder != nil && !w.builder.Empty() &&
		(!w.builder.CanAdd(fullKey) || !schema.Equal(w.builder.Schema()) ||
			w.builder.EstimatedSize() >= w.opts.BlockSize) {
		w.flushBlock()
	}
	if w.builder == nil || !schema.Equal(w.builder.Schema()) {
		w.builder = block.NewBuilder(schema, w.opts.Compression)
	}
	if err := w.builder.Add(fullKey, v); err != nil {
		return err
	}

	if w.props.NumEntries == 0 {
		w.props.SmallestKey = append([]byte(nil), fullKey...)
		w.props.MinEpoch, w.props.MaxEpoch = epoch, epoch
	}
	w.props.MinEpoch = min(w.props.MinEpoch, epoch)
	w.props.MaxEpoch = max(w.props.MaxEpoch, epoch)
	w.props.NumEntries++
	if v.IsDelete() {
		w.props.NumDeletions++
	}
	w.lastKey = append(w.lastKey[:0], fullKey...)
	return nil
}

func (w *Writer) flushBlock() {
	data := w.builder.Finish()
	w.index = append(w.index, indexEntry{
		lastKey: append([]byte(nil), w.lastKey...),
		handle:  Handle{Offset: uint64(len(w.buf)), Length: uint64(len(data))},
	})
	w.buf = append(w.buf, data...)
	w.builder.Reset()
}

// EntryCount returns the number of keys added.
func (w *Writer) EntryCount() uint64 {
	return w.props.NumEntries
}

// EstimatedSize returns the size the table would have if finished now,
// ignoring compression of the pending block.
func (w *Writer) EstimatedSize() uint64 {
	n := uint64(len(w.buf))
	if w.builder != nil {
		n += uint64(w.builder.EstimatedSize())
	}
	return n
}

// Finish writes the index, the properties and the footer and returns the
// encoded table.
func (w *Writer) Finish() ([]byte, Properties, error) {
	if w.props.NumEntries == 0 {
		return nil, Properties{}, errors.New("hummock: cannot finish an empty table")
	}
	if !w.builder.Empty() {
		w.flushBlock()
	}
	w.props.LargestKey = append([]byte(nil), w.lastKey...)
	w.props.NumBlocks = uint64(len(w.index))

	indexOffset := uint64(len(w.buf))
	w.buf = encodeIndex(w.buf, w.index)
	propsOffset := uint64(len(w.buf))
	w.buf = w.props.encode(w.buf)
	end := uint64(len(w.buf))

	w.buf = binary.LittleEndian.AppendUint64(w.buf, indexOffset)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, propsOffset-indexOffset)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, propsOffset)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, end-propsOffset)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, xxhash.Sum64(w.buf[indexOffset:end]))
	w.buf = binary.LittleEndian.AppendUint64(w.buf, tableMagic)
	return w.buf, w.props, nil
}
