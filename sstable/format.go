// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
)

// A table is laid out as:
//
//	data block 0 | ... | data block n-1 | index block | properties block | footer
//
// Each data block carries its own compression tag and checksum. The index
// block holds, per data block, the last key, the offset and the length. The
// footer holds the handles of the index and properties blocks, an xxhash64
// of both blocks and the magic number.

const (
	footerLen = 6 * 8
	// tableMagic is "hummock\x01" read as a little-endian u64.
	tableMagic uint64 = 0x016b636f6d6d7568
)

// Handle is the position of a block within a table.
type Handle struct {
	Offset uint64
	Length uint64
}

type indexEntry struct {
	lastKey []byte
	handle  Handle
}

// Properties summarize the contents of a table.
type Properties struct {
	SmallestKey  []byte
	LargestKey   []byte
	NumEntries   uint64
	NumDeletions uint64
	NumBlocks    uint64
	MinEpoch     base.Epoch
	MaxEpoch     base.Epoch
}

func (p *Properties) encode(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p.SmallestKey)))
	dst = append(dst, p.SmallestKey...)
	dst = binary.AppendUvarint(dst, uint64(len(p.LargestKey)))
	dst = append(dst, p.LargestKey...)
	dst = binary.AppendUvarint(dst, p.NumEntries)
	dst = binary.AppendUvarint(dst, p.NumDeletions)
	dst = binary.AppendUvarint(dst, p.NumBlocks)
	dst = binary.AppendUvarint(dst, uint64(p.MinEpoch))
	return binary.AppendUvarint(dst, uint64(p.MaxEpoch))
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = base.CorruptionErrorf("hummock: bad varint in table metadata")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = base.CorruptionErrorf("hummock: table metadata truncated")
		return nil
	}
	v := d.buf[:n:n]
	d.buf = d.buf[n:]
	return v
}

func decodeProperties(b []byte) (Properties, error) {
	d := decoder{buf: b}
	p := Properties{
		SmallestKey:  d.bytes(),
		LargestKey:   d.bytes(),
		NumEntries:   d.uvarint(),
		NumDeletions: d.uvarint(),
		NumBlocks:    d.uvarint(),
		MinEpoch:     base.Epoch(d.uvarint()),
		MaxEpoch:     base.Epoch(d.uvarint()),
	}
	if d.err == nil && len(d.buf) != 0 {
		d.err = base.CorruptionErrorf("hummock: trailing bytes in properties block")
	}
	return p, d.err
}

func encodeIndex(dst []byte, entries []indexEntry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(entries)))
	for _, e := range entries {
		dst = binary.AppendUvarint(dst, uint64(len(e.lastKey)))
		dst = append(dst, e.lastKey...)
		dst = binary.AppendUvarint(dst, e.handle.Offset)
		dst = binary.AppendUvarint(dst, e.handle.Length)
	}
	return dst
}

func decodeIndex(b []byte, dataLen uint64) ([]indexEntry, error) {
	d := decoder{buf: b}
	n := d.uvarint()
	if n > uint64(len(b)) {
		return nil, base.CorruptionErrorf("hummock: index claims %d blocks", errors.Safe(n))
	}
	entries := make([]indexEntry, 0, n)
	var next uint64
	for i := uint64(0); i < n && d.err == nil; i++ {
		e := indexEntry{lastKey: d.bytes()}
		e.handle.Offset = d.uvarint()
		e.handle.Length = d.uvarint()
		if d.err == nil && (e.handle.Offset != next || e.handle.Offset+e.handle.Length > dataLen) {
			return nil, base.CorruptionErrorf("hummock: bad handle for block %d", errors.Safe(i))
		}
		next = e.handle.Offset + e.handle.Length
		entries = append(entries, e)
	}
	return entries, d.err
}
