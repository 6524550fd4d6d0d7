// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package metastore provides the durable key/value store of the meta node.
// Keys live in column families so that components own disjoint key spaces.
package metastore

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("hummock: meta key not found")

// OpKind is the kind of a write operation.
type OpKind uint8

const (
	// OpPut sets a key.
	OpPut OpKind = iota
	// OpDelete removes a key.
	OpDelete
)

// Op is a write operation applied as part of a transaction.
type Op struct {
	Kind  OpKind
	CF    string
	Key   []byte
	Value []byte
}

// PutOp returns an operation setting cf/key to value.
func PutOp(cf string, key, value []byte) Op {
	return Op{Kind: OpPut, CF: cf, Key: key, Value: value}
}

// DeleteOp returns an operation removing cf/key.
func DeleteOp(cf string, key []byte) Op {
	return Op{Kind: OpDelete, CF: cf, Key: key}
}

// KV is a key/value pair of a column family.
type KV struct {
	Key   []byte
	Value []byte
}

// MetaStore is a durable key/value store. A write is durable once the call
// returns.
type MetaStore interface {
	// Get returns the value of cf/key, or ErrNotFound.
	Get(ctx context.Context, cf string, key []byte) ([]byte, error)
	// Put sets cf/key.
	Put(ctx context.Context, cf string, key, value []byte) error
	// Delete removes cf/key. Deleting a missing key is not an error.
	Delete(ctx context.Context, cf string, key []byte) error
	// List returns all pairs of cf in key order.
	List(ctx context.Context, cf string) ([]KV, error)
	// Txn applies ops atomically.
	Txn(ctx context.Context, ops ...Op) error
	// Close releases the store.
	Close() error
}

// Well known column families and keys.
const (
	// CFDefault holds singleton values such as the barrier watermark.
	CFDefault = "default"
	// CFWorkerNode holds registered worker nodes.
	CFWorkerNode = "cf/worker_node"
	// CFTableFragments holds table fragments.
	CFTableFragments = "cf/table_fragments"
	// CFVersion holds the storage version.
	CFVersion = "cf/hummock_version"
	// CFPinnedSnapshot holds snapshots pinned by context.
	CFPinnedSnapshot = "cf/hummock_pinned_snapshot"
	// CFSourceSplits holds source split assignments.
	CFSourceSplits = "cf/source_splits"
)
