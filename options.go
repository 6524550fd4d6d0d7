// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/internal/compression"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/sstable"
)

// Default option values.
const (
	DefaultSharedBufferCapacity       = 64 << 20
	DefaultSharedBufferFlushThreshold = 0.8
	DefaultUploadConcurrency          = 4
	DefaultBlockSize                  = 4 << 10
	DefaultTargetFileSize             = 32 << 20
)

// Options holds the optional parameters for configuring a Store.
type Options struct {
	// NodeID is the worker node owning the store. It is encoded in the object
	// IDs of the tables the store uploads so that nodes never collide.
	NodeID uint32

	// ObjectStore receives uploaded tables. Required.
	ObjectStore objstorage.ObjectStore

	// SharedBufferCapacity is the number of bytes the shared buffers of all
	// epochs may hold.
	SharedBufferCapacity uint64

	// SharedBufferFlushThreshold is the fraction of SharedBufferCapacity at
	// which write batches start being flushed to tables.
	SharedBufferFlushThreshold float64

	// UploadConcurrency is the number of background flush uploads.
	UploadConcurrency int

	// UploadBytesPerSec paces uploads. Zero disables pacing.
	UploadBytesPerSec uint64

	// BlockSize is the target uncompressed size of a table data block.
	BlockSize int

	// TargetFileSize is the size at which a flush starts a new table.
	TargetFileSize uint64

	// Compression is the compression algorithm of table data blocks.
	Compression compression.Algorithm

	// Schemas resolves the row schema of a user key. Values written to the
	// store must be rows encoded with block.EncodeRow under that schema.
	Schemas sstable.SchemaFunc

	Logger  base.Logger
	Metrics *Metrics
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.SharedBufferCapacity == 0 {
		o.SharedBufferCapacity = DefaultSharedBufferCapacity
	}
	if o.SharedBufferFlushThreshold <= 0 || o.SharedBufferFlushThreshold > 1 {
		o.SharedBufferFlushThreshold = DefaultSharedBufferFlushThreshold
	}
	if o.UploadConcurrency <= 0 {
		o.UploadConcurrency = DefaultUploadConcurrency
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = DefaultTargetFileSize
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

func (o *Options) flushThresholdBytes() uint64 {
	return uint64(float64(o.SharedBufferCapacity) * o.SharedBufferFlushThreshold)
}

func (o *Options) writerOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:   o.BlockSize,
		Compression: o.Compression,
		Schema:      o.Schemas,
	}
}
