// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
	"github.com/cockroachdb/hummock/sstable/block"
)

// Reader reads a table held in memory. Data blocks are decoded on first use
// and cached.
type Reader struct {
	data  []byte
	index []indexEntry
	props Properties

	mu struct {
		sync.Mutex
		blocks map[int]*block.Block
	}
}

// NewReader validates the footer and metadata of an encoded table.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < footerLen {
		return nil, base.CorruptionErrorf("hummock: table of %d bytes is too short", errors.Safe(len(data)))
	}
	footer := data[len(data)-footerLen:]
	u64 := func(i int) uint64 { return binary.LittleEndian.Uint64(footer[i*8:]) }
	if magic := u64(5); magic != tableMagic {
		return nil, base.CorruptionErrorf("hummock: bad table magic %x", errors.Safe(magic))
	}
	indexOffset, indexLen, propsOffset, propsLen := u64(0), u64(1), u64(2), u64(3)
	metaEnd := uint64(len(data) - footerLen)
	if indexOffset+indexLen != propsOffset || propsOffset+propsLen != metaEnd {
		return nil, base.CorruptionErrorf("hummock: bad table footer handles")
	}
	if checksum := xxhash.Sum64(data[indexOffset:metaEnd]); checksum != u64(4) {
		return nil, base.CorruptionErrorf("hummock: table metadata checksum mismatch: expected %x, computed %x",
			errors.Safe(u64(4)), errors.Safe(checksum))
	}
	index, err := decodeIndex(data[indexOffset:propsOffset], indexOffset)
	if err != nil {
		return nil, err
	}
	props, err := decodeProperties(data[propsOffset:metaEnd])
	if err != nil {
		return nil, err
	}
	r := &Reader{data: data, index: index, props: props}
	r.mu.blocks = make(map[int]*block.Block)
	return r, nil
}

// Properties returns the table properties.
func (r *Reader) Properties() Properties {
	return r.props
}

// NumBlocks returns the number of data blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// BlockHandle returns the position of the i-th data block.
func (r *Reader) BlockHandle(i int) Handle {
	return r.index[i].handle
}

// Block returns the i-th data block.
func (r *Reader) Block(i int) (*block.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.mu.blocks[i]; ok {
		return b, nil
	}
	h := r.index[i].handle
	b, err := block.Decode(r.data[h.Offset : h.Offset+h.Length])
	if err != nil {
		return nil, errors.Wrapf(err, "block %d", i)
	}
	r.mu.blocks[i] = b
	return b, nil
}

// NewIter returns an iterator over the table.
func (r *Reader) NewIter() *Iter {
	return &Iter{r: r, blockIdx: len(r.index)}
}

// Iter iterates over the keys of a table.
type Iter struct {
	r        *Reader
	blockIdx int
	blk      *block.Block
	row      int
	err      error
}

var _ iterator.Iterator = (*Iter)(nil)

func (i *Iter) loadBlock(idx int) {
	i.blockIdx = idx
	i.blk = nil
	i.row = 0
	if idx >= len(i.r.index) {
		return
	}
	i.blk, i.err = i.r.Block(idx)
}

// skipExhausted moves forward past the end of the current block.
func (i *Iter) skipExhausted() {
	for i.err == nil && i.blk != nil && i.row >= i.blk.Len() {
		i.loadBlock(i.blockIdx + 1)
	}
}

func (i *Iter) First() {
	i.err = nil
	i.loadBlock(0)
	i.skipExhausted()
}

func (i *Iter) SeekGE(key []byte) {
	i.err = nil
	idx := sort.Search(len(i.r.index), func(j int) bool {
		return base.CompareFullKeys(i.r.index[j].lastKey, key) >= 0
	})
	i.loadBlock(idx)
	if i.blk != nil {
		i.row = i.blk.SeekGE(key)
	}
	i.skipExhausted()
}

func (i *Iter) Next() {
	i.row++
	i.skipExhausted()
}

func (i *Iter) Valid() bool {
	return i.err == nil && i.blk != nil && i.row < i.blk.Len()
}

func (i *Iter) Key() []byte {
	return i.blk.Key(i.row)
}

func (i *Iter) Value() base.Value {
	return i.blk.Value(i.row)
}

func (i *Iter) Error() error {
	return i.err
}

func (i *Iter) Close() error {
	i.blk = nil
	return nil
}
