// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sharedbuffer

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
)

// Entry is a user key and the value written for it.
type Entry struct {
	Key   []byte
	Value base.Value
}

// Batch is an immutable, sorted set of writes belonging to a single epoch.
// Keys are stored as full keys carrying the batch epoch.
type Batch struct {
	epoch base.Epoch
	kvs   []iterator.KV
	size  uint64
}

// NewBatch builds a batch from entries written at epoch. Entries need not be
// sorted. When a user key appears several times the last entry wins.
func NewBatch(epoch base.Epoch, entries []Entry) *Batch {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})
	b := &Batch{epoch: epoch, kvs: make([]iterator.KV, 0, len(sorted))}
	for i := range sorted {
		if i+1 < len(sorted) && bytes.Equal(sorted[i].Key, sorted[i+1].Key) {
			continue
		}
		kv := iterator.KV{
			Key:   base.MakeFullKey(sorted[i].Key, epoch),
			Value: sorted[i].Value,
		}
		b.size += uint64(len(kv.Key)) + uint64(kv.Value.Size())
		b.kvs = append(b.kvs, kv)
	}
	return b
}

// Epoch returns the epoch all keys of the batch were written at.
func (b *Batch) Epoch() base.Epoch { return b.epoch }

// Size returns the number of bytes the batch accounts for in a shared buffer.
func (b *Batch) Size() uint64 { return b.size }

// Len returns the number of keys in the batch.
func (b *Batch) Len() int { return len(b.kvs) }

// Empty returns true if the batch holds no keys.
func (b *Batch) Empty() bool { return len(b.kvs) == 0 }

// StartUserKey returns the smallest user key. REQUIRES: !Empty().
func (b *Batch) StartUserKey() []byte { return base.UserKey(b.kvs[0].Key) }

// EndUserKey returns the largest user key. REQUIRES: !Empty().
func (b *Batch) EndUserKey() []byte { return base.UserKey(b.kvs[len(b.kvs)-1].Key) }

// KVs returns the sorted full-key entries. The slice must not be modified.
func (b *Batch) KVs() []iterator.KV { return b.kvs }

// Get returns the value written for userKey, if any.
func (b *Batch) Get(userKey []byte) (base.Value, bool) {
	i, ok := slices.BinarySearchFunc(b.kvs, userKey, func(kv iterator.KV, k []byte) int {
		return bytes.Compare(base.UserKey(kv.Key), k)
	})
	if !ok {
		return base.Value{}, false
	}
	return b.kvs[i].Value, true
}

// NewIter returns an iterator over the batch.
func (b *Batch) NewIter() iterator.Iterator {
	return iterator.NewSliceIter(b.kvs)
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	if b.Empty() {
		return fmt.Sprintf("batch@%d []", b.epoch)
	}
	return fmt.Sprintf("batch@%d [%q, %q] %d keys", b.epoch, b.StartUserKey(), b.EndUserKey(), b.Len())
}
