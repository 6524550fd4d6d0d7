// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sharedbuffer

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
	"github.com/cockroachdb/hummock/sstable"
)

// DataKind identifies the variant held by an UncommittedData.
type DataKind uint8

const (
	// DataBatch is an in-memory write batch.
	DataBatch DataKind = iota
	// DataSst is a sorted table uploaded but not yet committed.
	DataSst
)

// UncommittedData is either a write batch or an uploaded, uncommitted sorted
// table.
type UncommittedData struct {
	kind  DataKind
	batch *Batch
	sst   sstable.LocalInfo
}

// BatchData wraps a write batch.
func BatchData(b *Batch) UncommittedData {
	return UncommittedData{kind: DataBatch, batch: b}
}

// SstData wraps an uploaded sorted table.
func SstData(info sstable.LocalInfo) UncommittedData {
	if len(info.Info.KeyRange.Left) == 0 || len(info.Info.KeyRange.Right) == 0 {
		panic(errors.AssertionFailedf("local sstable %s should have a bounded key range", info.Info))
	}
	return UncommittedData{kind: DataSst, sst: info}
}

// Kind returns the variant.
func (d UncommittedData) Kind() DataKind { return d.kind }

// Batch returns the batch. REQUIRES: Kind() == DataBatch.
func (d UncommittedData) Batch() *Batch { return d.batch }

// Sst returns the table. REQUIRES: Kind() == DataSst.
func (d UncommittedData) Sst() sstable.LocalInfo { return d.sst }

// StartUserKey returns the smallest user key covered.
func (d UncommittedData) StartUserKey() []byte {
	switch d.kind {
	case DataBatch:
		return d.batch.StartUserKey()
	case DataSst:
		return base.UserKey(d.sst.Info.KeyRange.Left)
	}
	panic(errors.AssertionFailedf("unknown uncommitted data kind %d", d.kind))
}

// EndUserKey returns the largest user key covered.
func (d UncommittedData) EndUserKey() []byte {
	switch d.kind {
	case DataBatch:
		return d.batch.EndUserKey()
	case DataSst:
		return base.UserKey(d.sst.Info.KeyRange.Right)
	}
	panic(errors.AssertionFailedf("unknown uncommitted data kind %d", d.kind))
}

// overlaps returns true if the data intersects the closed user key interval
// [start, end]. Nil bounds are unbounded.
func (d UncommittedData) overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(d.StartUserKey(), end) > 0 {
		return false
	}
	if start != nil && bytes.Compare(d.EndUserKey(), start) < 0 {
		return false
	}
	return true
}

func (d UncommittedData) String() string {
	if d.kind == DataSst {
		return d.sst.Info.String()
	}
	return d.batch.String()
}

// OrderIndex orders the data written into a shared buffer. Data with a larger
// order index is newer.
type OrderIndex uint64

// OrderSortedData groups uncommitted data by order index, newest group first.
// Data within a group share an order index and do not overlap.
type OrderSortedData [][]UncommittedData

// TableOpener opens an iterator over an uploaded table.
type TableOpener func(info sstable.LocalInfo) (iterator.Iterator, error)

// NewOrderedIter builds a single iterator over data. Groups are merged so
// that for equal full keys the newest group wins; tables are opened with open.
func NewOrderedIter(data OrderSortedData, open TableOpener) (iterator.Iterator, error) {
	ordered := make([]iterator.Iterator, 0, len(data))
	closeAll := func() {
		for _, it := range ordered {
			_ = it.Close()
		}
	}
	for _, group := range data {
		iters := make([]iterator.Iterator, 0, len(group))
		for _, d := range group {
			switch d.Kind() {
			case DataBatch:
				iters = append(iters, d.Batch().NewIter())
			case DataSst:
				it, err := open(d.Sst())
				if err != nil {
					for _, it := range iters {
						_ = it.Close()
					}
					closeAll()
					return nil, err
				}
				iters = append(iters, it)
			}
		}
		switch len(iters) {
		case 0:
		case 1:
			ordered = append(ordered, iters[0])
		default:
			ordered = append(ordered, iterator.NewUnorderedMergeIter(iters...))
		}
	}
	return iterator.NewOrderedMergeIter(ordered...), nil
}
