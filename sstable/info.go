// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"

	"github.com/cockroachdb/hummock/internal/base"
)

// DefaultCompactionGroupID is the compaction group of tables produced by
// compute nodes.
const DefaultCompactionGroupID uint64 = 2

// Info describes an uploaded sorted table.
type Info struct {
	ObjectID uint64        `json:"object_id"`
	KeyRange base.KeyRange `json:"key_range"`
	FileSize uint64        `json:"file_size"`
	MinEpoch base.Epoch    `json:"min_epoch"`
	MaxEpoch base.Epoch    `json:"max_epoch"`
}

// LocalInfo is a table produced by a compute node together with the
// compaction group it belongs to.
type LocalInfo struct {
	CompactionGroupID uint64 `json:"compaction_group_id"`
	Info              Info   `json:"info"`
}

// ObjectName returns the object store name of the table with the given id.
func ObjectName(id uint64) string {
	return fmt.Sprintf("%020d.sst", id)
}

// String implements fmt.Stringer.
func (i Info) String() string {
	return fmt.Sprintf("sst %d [%s, %s] %dB", i.ObjectID,
		base.FormatFullKey(i.KeyRange.Left), base.FormatFullKey(i.KeyRange.Right), i.FileSize)
}
