// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sharedbuffer implements the per-epoch staging area of a compute
// node. Write batches wait in a SharedBuffer until an upload task turns them
// into sorted tables, and uploaded tables wait there until the epoch is
// committed.
//
// A SharedBuffer is not safe for concurrent use. Its owner serializes access.
package sharedbuffer

import (
	"bytes"
	"math"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/cockroachdb/swiss"
	"github.com/google/btree"
)

const btreeDegree = 16

// dataItem is an entry of the key indexed uncommitted data, ordered by end
// user key and then by order index.
type dataItem struct {
	endKey     []byte
	orderIndex OrderIndex
	data       UncommittedData
}

func (i *dataItem) Less(than btree.Item) bool {
	o := than.(*dataItem)
	if c := bytes.Compare(i.endKey, o.endKey); c != 0 {
		return c < 0
	}
	return i.orderIndex < o.orderIndex
}

// replicateItem is an entry of the replicate batches, ordered by end user key.
type replicateItem struct {
	endKey []byte
	batch  *Batch
}

func (i *replicateItem) Less(than btree.Item) bool {
	return bytes.Compare(i.endKey, than.(*replicateItem).endKey) < 0
}

type uploadingTask struct {
	payload *btree.BTree
	size    uint64
}

// UploadTaskType selects the data claimed by NewUploadTask.
type UploadTaskType uint8

const (
	// FlushWriteBatch claims the run of write batches with the smallest order
	// indexes, stopping at the first table or uploading task.
	FlushWriteBatch UploadTaskType = iota
	// SyncEpoch claims all uncommitted data.
	SyncEpoch
)

// String implements fmt.Stringer.
func (t UploadTaskType) String() string {
	switch t {
	case FlushWriteBatch:
		return "flush-write-batch"
	case SyncEpoch:
		return "sync-epoch"
	}
	return "unknown"
}

// UploadTask is data checked out of a SharedBuffer for upload.
type UploadTask struct {
	// OrderIndex is the smallest order index of the payload and identifies
	// the task.
	OrderIndex OrderIndex
	// Payload is the claimed data, newest order index first.
	Payload OrderSortedData
	// Size is the total size of the write batches in the payload.
	Size uint64
}

// SharedBuffer holds the uncommitted data of one epoch on a compute node.
type SharedBuffer struct {
	uncommitted      *btree.BTree
	replicateBatches *btree.BTree
	uploadingTasks   swiss.Map[OrderIndex, *uploadingTask]

	uploadBatchesSize    uint64
	replicateBatchesSize uint64

	// globalUploadTaskSize is shared by all buffers of a node and tracks the
	// size of the write batches currently being uploaded.
	globalUploadTaskSize *atomic.Int64

	nextOrderIndex OrderIndex
}

// New returns an empty shared buffer accounting uploads in
// globalUploadTaskSize.
func New(globalUploadTaskSize *atomic.Int64) *SharedBuffer {
	b := &SharedBuffer{
		uncommitted:          btree.New(btreeDegree),
		replicateBatches:     btree.New(btreeDegree),
		globalUploadTaskSize: globalUploadTaskSize,
	}
	b.uploadingTasks.Init(4)
	return b
}

// WriteBatch adds a write batch with the next order index.
func (b *SharedBuffer) WriteBatch(batch *Batch) {
	if batch.Empty() {
		panic(errors.AssertionFailedf("writing an empty batch to the shared buffer"))
	}
	orderIndex := b.nextOrderIndex
	b.nextOrderIndex++
	b.uploadBatchesSize += batch.Size()
	item := &dataItem{endKey: batch.EndUserKey(), orderIndex: orderIndex, data: BatchData(batch)}
	if prev := b.uncommitted.ReplaceOrInsert(item); prev != nil {
		panic(errors.AssertionFailedf(
			"duplicate end key and order index %d when inserting a write batch: %s",
			orderIndex, prev.(*dataItem).data))
	}
}

// ReplicateBatch adds a batch to the replica mirror. A batch with the same
// end key replaces the previous one.
func (b *SharedBuffer) ReplicateBatch(batch *Batch) {
	if batch.Empty() {
		return
	}
	b.replicateBatchesSize += batch.Size()
	prev := b.replicateBatches.ReplaceOrInsert(&replicateItem{endKey: batch.EndUserKey(), batch: batch})
	if prev != nil {
		b.replicateBatchesSize -= prev.(*replicateItem).batch.Size()
	}
}

// ClearReplicateBatches drops the replica mirror.
func (b *SharedBuffer) ClearReplicateBatches() {
	b.replicateBatches.Clear(false)
	b.replicateBatchesSize = 0
}

// GetOverlapData returns the replicate batches and the uncommitted data
// intersecting the closed user key interval [start, end], including data
// checked out by uploading tasks. Nil bounds are unbounded. Uncommitted data
// is grouped by order index, newest first.
func (b *SharedBuffer) GetOverlapData(start, end []byte) ([]*Batch, OrderSortedData) {
	var replicated []*Batch
	visitReplicated := func(i btree.Item) bool {
		batch := i.(*replicateItem).batch
		if end != nil && bytes.Compare(batch.StartUserKey(), end) > 0 {
			return true
		}
		replicated = append(replicated, batch)
		return true
	}
	if start != nil {
		b.replicateBatches.AscendGreaterOrEqual(&replicateItem{endKey: start}, visitReplicated)
	} else {
		b.replicateBatches.Ascend(visitReplicated)
	}

	groups := make(map[OrderIndex][]UncommittedData)
	visit := func(i btree.Item) bool {
		item := i.(*dataItem)
		if item.data.overlaps(start, end) {
			groups[item.orderIndex] = append(groups[item.orderIndex], item.data)
		}
		return true
	}
	scan := func(t *btree.BTree) {
		if start != nil {
			t.AscendGreaterOrEqual(&dataItem{endKey: start}, visit)
		} else {
			t.Ascend(visit)
		}
	}
	scan(b.uncommitted)
	for _, task := range b.uploadingTasks.All {
		scan(task.payload)
	}
	return replicated, sortGroups(groups)
}

func sortGroups(groups map[OrderIndex][]UncommittedData) OrderSortedData {
	indexes := make([]OrderIndex, 0, len(groups))
	for idx := range groups {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)
	slices.Reverse(indexes)
	res := make(OrderSortedData, 0, len(indexes))
	for _, idx := range indexes {
		res = append(res, groups[idx])
	}
	return res
}

func toOrderSorted(t *btree.BTree) OrderSortedData {
	groups := make(map[OrderIndex][]UncommittedData)
	t.Ascend(func(i btree.Item) bool {
		item := i.(*dataItem)
		groups[item.orderIndex] = append(groups[item.orderIndex], item.data)
		return true
	})
	return sortGroups(groups)
}

// NewUploadTask checks data out of the buffer for upload. It returns false if
// there is nothing to upload.
func (b *SharedBuffer) NewUploadTask(typ UploadTaskType) (UploadTask, bool) {
	var payload *btree.BTree
	switch typ {
	case FlushWriteBatch:
		payload = b.claimWriteBatches()
	case SyncEpoch:
		if b.uploadingTasks.Len() != 0 {
			panic(errors.AssertionFailedf("syncing an epoch with %d uploading tasks", b.uploadingTasks.Len()))
		}
		payload = b.uncommitted
		b.uncommitted = btree.New(btreeDegree)
	default:
		panic(errors.AssertionFailedf("unknown upload task type %d", typ))
	}
	if payload.Len() == 0 {
		return UploadTask{}, false
	}

	minOrderIndex := OrderIndex(math.MaxUint64)
	var size uint64
	payload.Ascend(func(i btree.Item) bool {
		item := i.(*dataItem)
		minOrderIndex = min(minOrderIndex, item.orderIndex)
		if item.data.Kind() == DataBatch {
			size += item.data.Batch().Size()
		}
		return true
	})
	b.globalUploadTaskSize.Add(int64(size))
	b.uploadingTasks.Put(minOrderIndex, &uploadingTask{payload: payload, size: size})
	return UploadTask{OrderIndex: minOrderIndex, Payload: toOrderSorted(payload), Size: size}, true
}

// claimWriteBatches removes from the uncommitted data the write batches
// whose order indexes precede the first table or uploading task following
// the oldest write batch.
func (b *SharedBuffer) claimWriteBatches() *btree.BTree {
	// Each order index maps to the item to claim, or nil when the index
	// belongs to a table or an uploading task. A write batch never shares its
	// order index.
	byOrder := make(map[OrderIndex]*dataItem)
	b.uncommitted.Ascend(func(i btree.Item) bool {
		item := i.(*dataItem)
		if item.data.Kind() == DataBatch {
			byOrder[item.orderIndex] = item
		} else {
			byOrder[item.orderIndex] = nil
		}
		return true
	})
	for idx := range b.uploadingTasks.All {
		byOrder[idx] = nil
	}
	indexes := make([]OrderIndex, 0, len(byOrder))
	for idx := range byOrder {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	payload := btree.New(btreeDegree)
	for _, idx := range indexes {
		item := byOrder[idx]
		if item == nil {
			if payload.Len() > 0 {
				break
			}
			continue
		}
		b.uncommitted.Delete(item)
		payload.ReplaceOrInsert(item)
	}
	return payload
}

func (b *SharedBuffer) removeUploadingTask(orderIndex OrderIndex) *uploadingTask {
	task, ok := b.uploadingTasks.Get(orderIndex)
	if !ok {
		panic(errors.AssertionFailedf("no uploading task with order index %d", orderIndex))
	}
	b.uploadingTasks.Delete(orderIndex)
	b.globalUploadTaskSize.Add(-int64(task.size))
	return task
}

// FailUploadTask returns the payload of the task to the uncommitted data
// unchanged.
func (b *SharedBuffer) FailUploadTask(orderIndex OrderIndex) {
	task := b.removeUploadingTask(orderIndex)
	task.payload.Ascend(func(i btree.Item) bool {
		b.uncommitted.ReplaceOrInsert(i)
		return true
	})
}

// SucceedUploadTask replaces the payload of the task with the tables it
// produced. The tables take the order index of the task. The tables the
// payload itself contained are returned since they are superseded.
func (b *SharedBuffer) SucceedUploadTask(
	orderIndex OrderIndex, ssts []sstable.LocalInfo,
) []sstable.LocalInfo {
	task := b.removeUploadingTask(orderIndex)
	for _, sst := range ssts {
		data := SstData(sst)
		item := &dataItem{endKey: data.EndUserKey(), orderIndex: orderIndex, data: data}
		if prev := b.uncommitted.ReplaceOrInsert(item); prev != nil {
			panic(errors.AssertionFailedf(
				"duplicate end key and order index %d when inserting a table: %s",
				orderIndex, prev.(*dataItem).data))
		}
	}
	var previous []sstable.LocalInfo
	task.payload.Ascend(func(i btree.Item) bool {
		data := i.(*dataItem).data
		switch data.Kind() {
		case DataBatch:
			b.uploadBatchesSize -= data.Batch().Size()
		case DataSst:
			previous = append(previous, data.Sst())
		}
		return true
	})
	return previous
}

// GetSSTsToCommit returns the tables to commit for the epoch. All data must
// have been uploaded.
func (b *SharedBuffer) GetSSTsToCommit() []sstable.LocalInfo {
	if b.uploadingTasks.Len() != 0 {
		panic(errors.AssertionFailedf("committing tables with %d uploading tasks", b.uploadingTasks.Len()))
	}
	var res []sstable.LocalInfo
	b.uncommitted.Ascend(func(i btree.Item) bool {
		data := i.(*dataItem).data
		if data.Kind() != DataSst {
			panic(errors.AssertionFailedf("committing tables with a pending write batch %s", data))
		}
		res = append(res, data.Sst())
		return true
	})
	return res
}

// Size returns the size of the write batches and replicate batches held.
func (b *SharedBuffer) Size() uint64 {
	return b.uploadBatchesSize + b.replicateBatchesSize
}

// UploadingTasks returns the number of tasks currently checked out.
func (b *SharedBuffer) UploadingTasks() int {
	return b.uploadingTasks.Len()
}

// Empty returns true if the buffer holds no data and no task is uploading.
func (b *SharedBuffer) Empty() bool {
	return b.uncommitted.Len() == 0 && b.replicateBatches.Len() == 0 && b.uploadingTasks.Len() == 0
}
