// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package objstorage defines the blob store that holds uploaded sorted
// tables, with in-memory and filesystem implementations.
package objstorage

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotExist is returned when an object does not exist.
var ErrNotExist = errors.New("hummock: object does not exist")

// ObjectStore stores immutable objects by name.
type ObjectStore interface {
	// Upload stores data under name, replacing any existing object.
	Upload(ctx context.Context, name string, data []byte) error
	// Read returns the whole object.
	Read(ctx context.Context, name string) ([]byte, error)
	// ReadRange returns length bytes of the object starting at offset.
	ReadRange(ctx context.Context, name string, offset, length uint64) ([]byte, error)
	// Size returns the size of the object.
	Size(ctx context.Context, name string) (uint64, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of the objects with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close releases the store.
	Close() error
}

func checkRange(name string, size, offset, length uint64) error {
	if offset+length > size || offset+length < offset {
		return errors.Newf("hummock: range [%d, %d) out of bounds of object %s of size %d",
			offset, offset+length, errors.Safe(name), size)
	}
	return nil
}
