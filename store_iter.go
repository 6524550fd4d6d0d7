// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/iterator"
	"github.com/cockroachdb/hummock/sharedbuffer"
	"github.com/cockroachdb/hummock/sstable"
)

// readSource is the data of one epoch visible to a read.
type readSource struct {
	replicated []*sharedbuffer.Batch
	data       sharedbuffer.OrderSortedData
}

// Iter returns an iterator over the user keys in [lower, upper) as of epoch.
// Nil bounds are unbounded. Shared buffers of epochs <= epoch are read
// together with the committed tables; the newest version of a key wins and
// tombstones hide older versions.
func (s *Store) Iter(ctx context.Context, lower, upper []byte, epoch base.Epoch) (*iterator.UserIterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	// The shared buffer and version lookups take a closed interval; using
	// upper as its end only admits extra data the user iterator skips.
	end := upper

	var sources []readSource
	s.mu.Lock()
	epochs := s.epochsLocked()
	slices.Reverse(epochs)
	for _, e := range epochs {
		if e > epoch {
			continue
		}
		replicated, data := s.mu.buffers[e].buf.GetOverlapData(lower, end)
		if len(replicated) > 0 || len(data) > 0 {
			sources = append(sources, readSource{replicated: replicated, data: data})
		}
	}
	committed := s.mu.version.OverlappingTables(epoch, lower, end)
	s.mu.Unlock()

	open := func(info sstable.LocalInfo) (iterator.Iterator, error) {
		r, err := s.tables.get(ctx, info.Info.ObjectID)
		if err != nil {
			return nil, err
		}
		return r.NewIter(), nil
	}
	var children []iterator.Iterator
	fail := func(err error) (*iterator.UserIterator, error) {
		for _, c := range children {
			err = errors.CombineErrors(err, c.Close())
		}
		return nil, err
	}
	for _, src := range sources {
		if len(src.replicated) > 0 {
			iters := make([]iterator.Iterator, len(src.replicated))
			for i, b := range src.replicated {
				iters[i] = b.NewIter()
			}
			children = append(children, iterator.NewUnorderedMergeIter(iters...))
		}
		it, err := sharedbuffer.NewOrderedIter(src.data, open)
		if err != nil {
			return fail(err)
		}
		children = append(children, it)
	}
	for _, tables := range committed {
		iters := make([]iterator.Iterator, 0, len(tables))
		for _, t := range tables {
			it, err := open(sstable.LocalInfo{Info: t})
			if err != nil {
				for _, it := range iters {
					_ = it.Close()
				}
				return fail(err)
			}
			iters = append(iters, it)
		}
		children = append(children, iterator.NewUnorderedMergeIter(iters...))
	}
	merged := iterator.NewOrderedMergeIter(children...)
	return iterator.NewUserIterator(merged, epoch, lower, upper), nil
}

// Get returns the value of key as of epoch.
func (s *Store) Get(ctx context.Context, key []byte, epoch base.Epoch) (_ []byte, ok bool, err error) {
	upper := append(slices.Clip(key), 0)
	it, err := s.Iter(ctx, key, upper, epoch)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		err = errors.CombineErrors(err, it.Close())
	}()
	it.First()
	if !it.Valid() {
		return nil, false, it.Error()
	}
	return slices.Clone(it.Value()), true, nil
}
