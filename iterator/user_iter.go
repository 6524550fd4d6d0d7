// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package iterator

import (
	"bytes"

	"github.com/cockroachdb/hummock/internal/base"
)

// UserIterator exposes the newest visible version of each user key of an
// underlying full-key iterator. Versions newer than the read epoch are
// invisible and tombstones hide the key.
type UserIterator struct {
	iter      Iterator
	readEpoch base.Epoch
	lower     []byte
	upper     []byte

	lastUserKey []byte
	hasLast     bool
	key         []byte
	value       []byte
	valid       bool
}

// NewUserIterator returns an iterator over user keys in [lower, upper). Nil
// bounds are unbounded.
func NewUserIterator(iter Iterator, readEpoch base.Epoch, lower, upper []byte) *UserIterator {
	return &UserIterator{iter: iter, readEpoch: readEpoch, lower: lower, upper: upper}
}

// First positions the iterator at the first visible user key.
func (u *UserIterator) First() {
	u.hasLast = false
	if u.lower != nil {
		u.iter.SeekGE(base.MakeFullKey(u.lower, base.MaxEpoch))
	} else {
		u.iter.First()
	}
	u.findNext()
}

// SeekGE positions the iterator at the first visible user key >= key.
func (u *UserIterator) SeekGE(key []byte) {
	if u.lower != nil && bytes.Compare(key, u.lower) < 0 {
		key = u.lower
	}
	u.hasLast = false
	u.iter.SeekGE(base.MakeFullKey(key, base.MaxEpoch))
	u.findNext()
}

// Next advances to the next visible user key.
func (u *UserIterator) Next() {
	u.iter.Next()
	u.findNext()
}

func (u *UserIterator) findNext() {
	u.valid = false
	for ; u.iter.Valid(); u.iter.Next() {
		userKey, epoch := base.SplitFullKey(u.iter.Key())
		if u.upper != nil && bytes.Compare(userKey, u.upper) >= 0 {
			return
		}
		if epoch > u.readEpoch {
			continue
		}
		if u.hasLast && bytes.Equal(userKey, u.lastUserKey) {
			continue
		}
		u.lastUserKey = append(u.lastUserKey[:0], userKey...)
		u.hasLast = true
		v := u.iter.Value()
		if v.IsDelete() {
			continue
		}
		u.key = u.lastUserKey
		u.value = v.Data
		u.valid = true
		return
	}
}

// Valid returns true if the iterator is positioned at a user key.
func (u *UserIterator) Valid() bool {
	return u.valid
}

// Key returns the current user key.
func (u *UserIterator) Key() []byte {
	return u.key
}

// Value returns the current value.
func (u *UserIterator) Value() []byte {
	return u.value
}

// Error returns the error of the underlying iterator.
func (u *UserIterator) Error() error {
	return u.iter.Error()
}

// Close closes the underlying iterator.
func (u *UserIterator) Close() error {
	return u.iter.Close()
}
