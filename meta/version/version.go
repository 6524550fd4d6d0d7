// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package version maintains the committed storage version: the set of sorted
// tables visible to readers, organized as one L0 sub-level per committed
// epoch.
package version

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/sstable"
)

// SubLevel holds the tables committed for one epoch.
type SubLevel struct {
	Epoch  base.Epoch     `json:"epoch"`
	Tables []sstable.Info `json:"tables"`
}

// Version is an immutable snapshot of the committed tables.
type Version struct {
	ID                uint64     `json:"id"`
	MaxCommittedEpoch base.Epoch `json:"max_committed_epoch"`
	// L0 holds sub-levels in ascending epoch order.
	L0 []SubLevel `json:"l0"`
}

// Snapshot identifies a consistent read point.
type Snapshot struct {
	Epoch base.Epoch `json:"epoch"`
}

// OverlappingTables returns, newest sub-level first, the tables of sub-levels
// with an epoch <= epoch intersecting the closed user key interval
// [start, end].
func (v *Version) OverlappingTables(epoch base.Epoch, start, end []byte) [][]sstable.Info {
	var res [][]sstable.Info
	for i := len(v.L0) - 1; i >= 0; i-- {
		sl := v.L0[i]
		if sl.Epoch > epoch {
			continue
		}
		var tables []sstable.Info
		for _, t := range sl.Tables {
			if t.KeyRange.OverlapsUserKeys(start, end) {
				tables = append(tables, t)
			}
		}
		if len(tables) > 0 {
			res = append(res, tables)
		}
	}
	return res
}

// TableCount returns the number of committed tables.
func (v *Version) TableCount() int {
	n := 0
	for _, sl := range v.L0 {
		n += len(sl.Tables)
	}
	return n
}

// clone returns a copy sharing the immutable sub-levels.
func (v *Version) clone() *Version {
	c := *v
	c.L0 = append([]SubLevel(nil), v.L0...)
	return &c
}

// String implements fmt.Stringer.
func (v *Version) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "version %d max-committed-epoch %d\n", v.ID, v.MaxCommittedEpoch)
	for _, sl := range v.L0 {
		fmt.Fprintf(&buf, "  L0 epoch %d:", sl.Epoch)
		for _, t := range sl.Tables {
			fmt.Fprintf(&buf, " %d", t.ObjectID)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// validateTables checks the key ranges reported for tables before they are
// ordered by them.
func validateTables(tables []sstable.Info) error {
	for _, t := range tables {
		l, r := t.KeyRange.Left, t.KeyRange.Right
		if len(l) < base.EpochLen || len(r) < base.EpochLen {
			return base.CorruptionErrorf("table %d: key range [%x, %x] is not a full key range",
				t.ObjectID, l, r)
		}
		if base.CompareFullKeys(l, r) > 0 {
			return base.CorruptionErrorf("table %d: key range [%x, %x] is inverted", t.ObjectID, l, r)
		}
	}
	return nil
}

func sortTables(tables []sstable.Info) {
	slices.SortFunc(tables, func(a, b sstable.Info) int {
		return base.CompareFullKeys(a.KeyRange.Left, b.KeyRange.Left)
	})
}
