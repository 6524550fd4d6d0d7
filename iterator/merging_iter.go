// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package iterator

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
)

// MergingIter merges sorted child iterators into a single sorted stream.
// Equal full keys from several children are all returned.
type MergingIter struct {
	children []Iterator
	heap     mergingIterHeap
	err      error
}

var _ Iterator = (*MergingIter)(nil)

// NewOrderedMergeIter merges children ordered from newest to oldest. When
// several children hold the same full key, the child with the lowest index
// is returned first so that newer data shadows older data.
func NewOrderedMergeIter(children ...Iterator) *MergingIter {
	m := &MergingIter{children: children}
	m.heap.ordered = true
	return m
}

// NewUnorderedMergeIter merges children whose key sets are known to be
// disjoint; the order of equal keys is unspecified.
func NewUnorderedMergeIter(children ...Iterator) *MergingIter {
	return &MergingIter{children: children}
}

func (m *MergingIter) initHeap() {
	m.heap.items = m.heap.items[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.heap.items = append(m.heap.items, mergingIterItem{iter: c, index: i})
		} else if err := c.Error(); err != nil {
			m.err = err
			m.heap.items = m.heap.items[:0]
			return
		}
	}
	m.heap.init()
}

func (m *MergingIter) First() {
	m.err = nil
	for _, c := range m.children {
		c.First()
	}
	m.initHeap()
}

func (m *MergingIter) SeekGE(key []byte) {
	m.err = nil
	for _, c := range m.children {
		c.SeekGE(key)
	}
	m.initHeap()
}

func (m *MergingIter) Next() {
	top := m.heap.items[0].iter
	top.Next()
	if top.Valid() {
		m.heap.fixTop()
		return
	}
	if err := top.Error(); err != nil {
		m.err = err
		m.heap.items = m.heap.items[:0]
		return
	}
	m.heap.pop()
}

func (m *MergingIter) Valid() bool {
	return m.err == nil && m.heap.len() > 0
}

func (m *MergingIter) Key() []byte {
	return m.heap.items[0].iter.Key()
}

func (m *MergingIter) Value() base.Value {
	return m.heap.items[0].iter.Value()
}

func (m *MergingIter) Error() error {
	return m.err
}

func (m *MergingIter) Close() error {
	var err error
	for _, c := range m.children {
		err = errors.CombineErrors(err, c.Close())
	}
	m.children = nil
	m.heap.items = nil
	return err
}

type mergingIterItem struct {
	iter  Iterator
	index int
}

// mergingIterHeap is a min-heap of child iterators keyed by their current
// key.
type mergingIterHeap struct {
	ordered bool
	items   []mergingIterItem
}

func (h *mergingIterHeap) len() int {
	return len(h.items)
}

func (h *mergingIterHeap) less(i, j int) bool {
	if c := base.CompareFullKeys(h.items[i].iter.Key(), h.items[j].iter.Key()); c != 0 {
		return c < 0
	}
	if h.ordered {
		return h.items[i].index < h.items[j].index
	}
	return false
}

func (h *mergingIterHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergingIterHeap) init() {
	n := h.len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// fixTop restores the heap property after the top of the heap has been
// advanced.
func (h *mergingIterHeap) fixTop() {
	h.down(0, h.len())
}

func (h *mergingIterHeap) pop() {
	n := h.len() - 1
	h.swap(0, n)
	h.down(0, n)
	h.items = h.items[:n]
}

func (h *mergingIterHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // = 2*i + 2  // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}
