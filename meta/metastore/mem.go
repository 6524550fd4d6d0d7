// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package metastore

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	cf    string
	key   []byte
	value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	o := than.(*memItem)
	if i.cf != o.cf {
		return i.cf < o.cf
	}
	return bytes.Compare(i.key, o.key) < 0
}

// MemStore is an in-memory MetaStore.
type MemStore struct {
	mu struct {
		sync.Mutex
		tree *btree.BTree
	}
}

var _ MetaStore = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.mu.tree = btree.New(8)
	return s
}

// Get implements MetaStore.
func (s *MemStore) Get(ctx context.Context, cf string, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.mu.tree.Get(&memItem{cf: cf, key: key})
	if i == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(i.(*memItem).value), nil
}

// Put implements MetaStore.
func (s *MemStore) Put(ctx context.Context, cf string, key, value []byte) error {
	return s.Txn(ctx, PutOp(cf, key, value))
}

// Delete implements MetaStore.
func (s *MemStore) Delete(ctx context.Context, cf string, key []byte) error {
	return s.Txn(ctx, DeleteOp(cf, key))
}

// List implements MetaStore.
func (s *MemStore) List(ctx context.Context, cf string) ([]KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []KV
	s.mu.tree.AscendGreaterOrEqual(&memItem{cf: cf}, func(i btree.Item) bool {
		item := i.(*memItem)
		if item.cf != cf {
			return false
		}
		res = append(res, KV{Key: slices.Clone(item.key), Value: slices.Clone(item.value)})
		return true
	})
	return res, nil
}

// Txn implements MetaStore.
func (s *MemStore) Txn(ctx context.Context, ops ...Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			s.mu.tree.ReplaceOrInsert(&memItem{
				cf:    op.CF,
				key:   slices.Clone(op.Key),
				value: slices.Clone(op.Value),
			})
		case OpDelete:
			s.mu.tree.Delete(&memItem{cf: op.CF, key: op.Key})
		}
	}
	return nil
}

// Close implements MetaStore.
func (s *MemStore) Close() error { return nil }
