// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sharedbuffer

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/google/btree"
	"github.com/stretchr/testify/require"
)

const testEpoch = base.Epoch(1 << 20)

func makeBatch(t *testing.T, keys ...string) *Batch {
	t.Helper()
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = Entry{Key: []byte(k), Value: base.PutValue([]byte("v-" + k))}
	}
	return NewBatch(testEpoch, entries)
}

func makeSst(id uint64, start, end string) sstable.LocalInfo {
	return sstable.LocalInfo{
		CompactionGroupID: sstable.DefaultCompactionGroupID,
		Info: sstable.Info{
			ObjectID: id,
			KeyRange: base.KeyRange{
				Left:  base.MakeFullKey([]byte(start), testEpoch),
				Right: base.MakeFullKey([]byte(end), testEpoch),
			},
			FileSize: 100,
			MinEpoch: testEpoch,
			MaxEpoch: testEpoch,
		},
	}
}

type snapshotEntry struct {
	endKey     string
	orderIndex OrderIndex
	data       string
}

func snapshot(b *SharedBuffer) []snapshotEntry {
	var res []snapshotEntry
	b.uncommitted.Ascend(func(i btree.Item) bool {
		item := i.(*dataItem)
		res = append(res, snapshotEntry{
			endKey:     string(item.endKey),
			orderIndex: item.orderIndex,
			data:       item.data.String(),
		})
		return true
	})
	return res
}

func describe(data OrderSortedData) []string {
	var res []string
	for _, group := range data {
		var s string
		for i, d := range group {
			if i > 0 {
				s += " "
			}
			switch d.Kind() {
			case DataBatch:
				s += fmt.Sprintf("batch[%s-%s]", d.StartUserKey(), d.EndUserKey())
			case DataSst:
				s += fmt.Sprintf("sst%d", d.Sst().Info.ObjectID)
			}
		}
		res = append(res, s)
	}
	return res
}

func TestBatch(t *testing.T) {
	b := NewBatch(testEpoch, []Entry{
		{Key: []byte("c"), Value: base.PutValue([]byte("1"))},
		{Key: []byte("a"), Value: base.PutValue([]byte("2"))},
		{Key: []byte("c"), Value: base.DeleteValue()},
	})
	require.Equal(t, 2, b.Len())
	require.Equal(t, []byte("a"), b.StartUserKey())
	require.Equal(t, []byte("c"), b.EndUserKey())
	v, ok := b.Get([]byte("c"))
	require.True(t, ok)
	require.True(t, v.IsDelete())
	_, ok = b.Get([]byte("b"))
	require.False(t, ok)

	want := uint64(0)
	for _, kv := range b.KVs() {
		require.Equal(t, testEpoch, base.EpochOf(kv.Key))
		want += uint64(len(kv.Key) + kv.Value.Size())
	}
	require.Equal(t, want, b.Size())
}

func TestWriteBatchAndOverlap(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b1 := makeBatch(t, "a", "c")
	b2 := makeBatch(t, "b", "c")
	b3 := makeBatch(t, "x", "z")
	b.WriteBatch(b1)
	b.WriteBatch(b2)
	b.WriteBatch(b3)
	require.Equal(t, b1.Size()+b2.Size()+b3.Size(), b.Size())

	_, data := b.GetOverlapData(nil, nil)
	require.Equal(t, []string{"batch[x-z]", "batch[b-c]", "batch[a-c]"}, describe(data))

	_, data = b.GetOverlapData([]byte("c"), []byte("d"))
	require.Equal(t, []string{"batch[b-c]", "batch[a-c]"}, describe(data))

	_, data = b.GetOverlapData([]byte("d"), []byte("w"))
	require.Empty(t, data)

	_, data = b.GetOverlapData([]byte("y"), nil)
	require.Equal(t, []string{"batch[x-z]"}, describe(data))
}

func TestReplicateBatch(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	r1 := makeBatch(t, "a", "b")
	r2 := makeBatch(t, "m", "n")
	b.ReplicateBatch(r1)
	b.ReplicateBatch(r2)
	require.Equal(t, r1.Size()+r2.Size(), b.Size())

	replaced := makeBatch(t, "b")
	b.ReplicateBatch(replaced)
	require.Equal(t, replaced.Size()+r2.Size(), b.Size())

	replicated, data := b.GetOverlapData([]byte("c"), nil)
	require.Empty(t, data)
	require.Equal(t, []*Batch{r2}, replicated)

	b.ClearReplicateBatches()
	require.Zero(t, b.Size())
	replicated, _ = b.GetOverlapData(nil, nil)
	require.Empty(t, replicated)
}

func TestUploadTaskFailureRestoresData(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a", "b"))
	b.WriteBatch(makeBatch(t, "b", "d"))
	b.WriteBatch(makeBatch(t, "c"))
	before := snapshot(b)
	size := b.Size()

	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(0), task.OrderIndex)
	require.Equal(t, int64(size), global.Load())
	require.Empty(t, snapshot(b))

	// Data checked out for upload stays readable.
	_, data := b.GetOverlapData(nil, nil)
	require.Len(t, data, 3)

	b.FailUploadTask(task.OrderIndex)
	require.Equal(t, before, snapshot(b))
	require.Zero(t, global.Load())
	require.Equal(t, size, b.Size())
	require.Zero(t, b.UploadingTasks())

	// A failed task can be retried.
	task, ok = b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(0), task.OrderIndex)
}

func TestUploadTaskSuccessPreservesOrder(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a", "c"))
	b.WriteBatch(makeBatch(t, "b", "d"))

	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, []string{"batch[b-d]", "batch[a-c]"}, describe(task.Payload))

	// Data written while the task is uploading is newer.
	b.WriteBatch(makeBatch(t, "c", "e"))

	prev := b.SucceedUploadTask(task.OrderIndex, []sstable.LocalInfo{makeSst(7, "a", "d")})
	require.Empty(t, prev)
	require.Zero(t, global.Load())

	_, data := b.GetOverlapData([]byte("a"), []byte("d"))
	require.Equal(t, []string{"batch[c-e]", "sst7"}, describe(data))
	require.Equal(t, makeBatch(t, "c", "e").Size(), b.Size())
}

func TestFlushWriteBatchStopsAtTable(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a"))
	b.WriteBatch(makeBatch(t, "b"))
	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	b.WriteBatch(makeBatch(t, "c"))
	b.WriteBatch(makeBatch(t, "d"))
	b.SucceedUploadTask(task.OrderIndex, []sstable.LocalInfo{makeSst(1, "a", "b")})

	// The table at order index 0 precedes the batches; they are claimed.
	task, ok = b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(2), task.OrderIndex)
	require.Equal(t, []string{"batch[d-d]", "batch[c-c]"}, describe(task.Payload))

	// The uploading task at order index 2 is followed by a new batch which is
	// claimed on its own.
	b.WriteBatch(makeBatch(t, "e"))
	task2, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(4), task2.OrderIndex)

	_, ok = b.NewUploadTask(FlushWriteBatch)
	require.False(t, ok)
	require.Equal(t, 2, b.UploadingTasks())
}

func TestFlushWriteBatchStopsAfterRun(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a"))
	t0, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	b.WriteBatch(makeBatch(t, "b"))
	t1, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	b.WriteBatch(makeBatch(t, "c"))
	b.SucceedUploadTask(t1.OrderIndex, []sstable.LocalInfo{makeSst(1, "b", "b")})
	b.FailUploadTask(t0.OrderIndex)

	// The restored batch is claimed up to the table that follows it. The
	// batch after the table stays in the buffer.
	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(0), task.OrderIndex)
	require.Equal(t, []string{"batch[a-a]"}, describe(task.Payload))
	require.Equal(t, makeBatch(t, "c").Size(), b.Size()-task.Size)

	_, data := b.GetOverlapData([]byte("a"), []byte("c"))
	require.Equal(t, []string{"batch[c-c]", "sst1", "batch[a-a]"}, describe(data))
}

func TestFlushWriteBatchGreedyRun(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a"))
	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	b.WriteBatch(makeBatch(t, "b"))
	b.SucceedUploadTask(task.OrderIndex, []sstable.LocalInfo{makeSst(1, "a", "a")})
	b.WriteBatch(makeBatch(t, "c"))

	task, ok = b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(1), task.OrderIndex)
	require.Equal(t, []string{"batch[c-c]", "batch[b-b]"}, describe(task.Payload))
}

func TestSyncEpoch(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(makeBatch(t, "a"))
	task, ok := b.NewUploadTask(FlushWriteBatch)
	require.True(t, ok)
	b.SucceedUploadTask(task.OrderIndex, []sstable.LocalInfo{makeSst(1, "a", "a")})
	b.WriteBatch(makeBatch(t, "b"))

	require.Panics(t, func() { b.GetSSTsToCommit() })

	task, ok = b.NewUploadTask(SyncEpoch)
	require.True(t, ok)
	require.Equal(t, OrderIndex(0), task.OrderIndex)
	require.Equal(t, []string{"batch[b-b]", "sst1"}, describe(task.Payload))
	require.Panics(t, func() { b.NewUploadTask(SyncEpoch) })
	require.Panics(t, func() { b.GetSSTsToCommit() })

	prev := b.SucceedUploadTask(task.OrderIndex, []sstable.LocalInfo{makeSst(2, "a", "b")})
	require.Equal(t, []sstable.LocalInfo{makeSst(1, "a", "a")}, prev)
	require.Equal(t, []sstable.LocalInfo{makeSst(2, "a", "b")}, b.GetSSTsToCommit())
	require.Zero(t, b.Size())

	_, ok = b.NewUploadTask(FlushWriteBatch)
	require.False(t, ok)
}

func TestUnknownUploadTask(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	require.Panics(t, func() { b.FailUploadTask(3) })
	require.Panics(t, func() { b.SucceedUploadTask(3, nil) })
}

func TestGlobalUploadTaskSizeShared(t *testing.T) {
	var global atomic.Int64
	b1 := New(&global)
	b2 := New(&global)
	x := makeBatch(t, "a")
	y := makeBatch(t, "bb", "cc")
	b1.WriteBatch(x)
	b2.WriteBatch(y)
	t1, _ := b1.NewUploadTask(FlushWriteBatch)
	t2, _ := b2.NewUploadTask(FlushWriteBatch)
	require.Equal(t, int64(x.Size()+y.Size()), global.Load())
	b1.SucceedUploadTask(t1.OrderIndex, nil)
	require.Equal(t, int64(y.Size()), global.Load())
	b2.FailUploadTask(t2.OrderIndex)
	require.Zero(t, global.Load())
}

func TestOrderedIterNewestWins(t *testing.T) {
	var global atomic.Int64
	b := New(&global)
	b.WriteBatch(NewBatch(testEpoch, []Entry{
		{Key: []byte("a"), Value: base.PutValue([]byte("old"))},
		{Key: []byte("b"), Value: base.PutValue([]byte("old"))},
	}))
	b.WriteBatch(NewBatch(testEpoch, []Entry{
		{Key: []byte("a"), Value: base.PutValue([]byte("new"))},
		{Key: []byte("b"), Value: base.DeleteValue()},
	}))
	_, data := b.GetOverlapData(nil, nil)
	it, err := NewOrderedIter(data, func(sstable.LocalInfo) (iterator.Iterator, error) {
		t.Fatal("unexpected table")
		return nil, nil
	})
	require.NoError(t, err)
	uit := iterator.NewUserIterator(it, testEpoch, nil, nil)
	var got []string
	for uit.First(); uit.Valid(); uit.Next() {
		got = append(got, fmt.Sprintf("%s=%s", uit.Key(), uit.Value()))
	}
	require.NoError(t, uit.Error())
	require.NoError(t, uit.Close())
	require.Equal(t, []string{"a=new"}, got)
}
