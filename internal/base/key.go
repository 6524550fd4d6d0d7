// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EpochLen is the width of the epoch suffix of a full key.
const EpochLen = 8

// A full key is the user key followed by the bitwise complement of the epoch
// in big-endian order, so that newer versions of a user key sort first.

// MakeFullKey returns a newly allocated full key.
func MakeFullKey(userKey []byte, epoch Epoch) []byte {
	return AppendFullKey(make([]byte, 0, len(userKey)+EpochLen), userKey, epoch)
}

// AppendFullKey appends the full key for (userKey, epoch) to dst.
func AppendFullKey(dst, userKey []byte, epoch Epoch) []byte {
	dst = append(dst, userKey...)
	return binary.BigEndian.AppendUint64(dst, ^uint64(epoch))
}

// SplitFullKey returns the user key and epoch of a full key.
func SplitFullKey(fullKey []byte) ([]byte, Epoch) {
	n := len(fullKey) - EpochLen
	if n < 0 {
		panic(fmt.Sprintf("hummock: full key too short: %x", fullKey))
	}
	return fullKey[:n:n], Epoch(^binary.BigEndian.Uint64(fullKey[n:]))
}

// UserKey returns the user key portion of a full key.
func UserKey(fullKey []byte) []byte {
	k, _ := SplitFullKey(fullKey)
	return k
}

// EpochOf returns the epoch of a full key.
func EpochOf(fullKey []byte) Epoch {
	_, e := SplitFullKey(fullKey)
	return e
}

// CompareFullKeys orders full keys by user key ascending, then by epoch
// descending.
func CompareFullKeys(a, b []byte) int {
	ak, ae := SplitFullKey(a)
	bk, be := SplitFullKey(b)
	if c := bytes.Compare(ak, bk); c != 0 {
		return c
	}
	switch {
	case ae > be:
		return -1
	case ae < be:
		return 1
	}
	return 0
}

// FormatFullKey returns a human readable form of a full key.
func FormatFullKey(fullKey []byte) string {
	k, e := SplitFullKey(fullKey)
	return fmt.Sprintf("%q@%d", k, e)
}

// KeyRange is an inclusive range of full keys. An empty bound is unbounded.
type KeyRange struct {
	Left  []byte `json:"left"`
	Right []byte `json:"right"`
}

// FullKeyRangeForUserKeys returns a full key range covering every version
// of the user keys in [start, end].
func FullKeyRangeForUserKeys(start, end []byte) KeyRange {
	var r KeyRange
	if start != nil {
		r.Left = MakeFullKey(start, MaxEpoch)
	}
	if end != nil {
		r.Right = MakeFullKey(end, InvalidEpoch)
	}
	return r
}

// OverlapsUserKeys returns true if the user key span of r intersects the
// user key interval [start, end]. A nil bound is unbounded.
func (r KeyRange) OverlapsUserKeys(start, end []byte) bool {
	if end != nil && len(r.Left) > 0 && bytes.Compare(UserKey(r.Left), end) > 0 {
		return false
	}
	if start != nil && len(r.Right) > 0 && bytes.Compare(UserKey(r.Right), start) < 0 {
		return false
	}
	return true
}
