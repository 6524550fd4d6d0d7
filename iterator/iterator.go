// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package iterator defines the iterator over full keys shared by in-memory
// batches and sorted tables, and the merging iterators built on top of it.
package iterator

import (
	"sort"

	"github.com/cockroachdb/hummock/internal/base"
)

// Iterator iterates over full keys in ascending order (user key ascending,
// epoch descending).
type Iterator interface {
	// First moves the iterator to the first key.
	First()
	// SeekGE moves the iterator to the first key >= key.
	SeekGE(key []byte)
	// Next advances the iterator. REQUIRES: Valid().
	Next()
	// Valid returns true if the iterator is positioned at a key.
	Valid() bool
	// Key returns the full key at the current position. The returned slice
	// remains valid until the iterator is moved.
	Key() []byte
	// Value returns the value at the current position.
	Value() base.Value
	// Error returns the error, if any, that made the iterator invalid.
	Error() error
	// Close releases the iterator.
	Close() error
}

// KV is a full key and its value.
type KV struct {
	Key   []byte
	Value base.Value
}

// SliceIter iterates over a slice of KVs sorted by full key.
type SliceIter struct {
	kvs []KV
	pos int
}

var _ Iterator = (*SliceIter)(nil)

// NewSliceIter returns an iterator over kvs, which must be sorted.
func NewSliceIter(kvs []KV) *SliceIter {
	return &SliceIter{kvs: kvs, pos: len(kvs)}
}

func (s *SliceIter) First() { s.pos = 0 }

func (s *SliceIter) SeekGE(key []byte) {
	s.pos = sort.Search(len(s.kvs), func(i int) bool {
		return base.CompareFullKeys(s.kvs[i].Key, key) >= 0
	})
}

func (s *SliceIter) Next() { s.pos++ }

func (s *SliceIter) Valid() bool { return s.pos < len(s.kvs) }

func (s *SliceIter) Key() []byte { return s.kvs[s.pos].Key }

func (s *SliceIter) Value() base.Value { return s.kvs[s.pos].Value }

func (s *SliceIter) Error() error { return nil }

func (s *SliceIter) Close() error { return nil }

// Collect drains an iterator from its first key.
func Collect(it Iterator) ([]KV, error) {
	var kvs []KV
	for it.First(); it.Valid(); it.Next() {
		kvs = append(kvs, KV{
			Key:   append([]byte(nil), it.Key()...),
			Value: it.Value(),
		})
	}
	return kvs, it.Error()
}
