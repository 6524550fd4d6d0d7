// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package metastore

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// cfSeparator separates the column family from the key. Column family names
// never contain it.
const cfSeparator = 0

// PebbleStore is a MetaStore backed by a Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

var _ MetaStore = (*PebbleStore)(nil)

// PebbleOptions configures OpenPebble.
type PebbleOptions struct {
	// FS defaults to vfs.Default.
	FS     vfs.FS
	Logger base.Logger
}

// OpenPebble opens or creates the meta-store in dirname.
func OpenPebble(dirname string, opts PebbleOptions) (*PebbleStore, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.Logger == nil {
		opts.Logger = base.DefaultLogger
	}
	db, err := pebble.Open(dirname, &pebble.Options{FS: opts.FS, Logger: opts.Logger})
	if err != nil {
		return nil, errors.Wrapf(err, "opening meta-store %q", dirname)
	}
	return &PebbleStore{db: db}, nil
}

func encodeKey(cf string, key []byte) []byte {
	k := make([]byte, 0, len(cf)+1+len(key))
	k = append(k, cf...)
	k = append(k, cfSeparator)
	return append(k, key...)
}

// cfBounds returns the key bounds of all keys in cf.
func cfBounds(cf string) (lower, upper []byte) {
	lower = append([]byte(cf), cfSeparator)
	upper = append([]byte(cf), cfSeparator+1)
	return lower, upper
}

// Get implements MetaStore.
func (s *PebbleStore) Get(ctx context.Context, cf string, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(encodeKey(cf, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	return slices.Clone(v), nil
}

// Put implements MetaStore.
func (s *PebbleStore) Put(ctx context.Context, cf string, key, value []byte) error {
	return s.db.Set(encodeKey(cf, key), value, pebble.Sync)
}

// Delete implements MetaStore.
func (s *PebbleStore) Delete(ctx context.Context, cf string, key []byte) error {
	return s.db.Delete(encodeKey(cf, key), pebble.Sync)
}

// List implements MetaStore.
func (s *PebbleStore) List(ctx context.Context, cf string) (_ []KV, err error) {
	lower, upper := cfBounds(cf)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()
	var res []KV
	for valid := iter.First(); valid; valid = iter.Next() {
		res = append(res, KV{
			Key:   slices.Clone(iter.Key()[len(lower):]),
			Value: slices.Clone(iter.Value()),
		})
	}
	return res, iter.Error()
}

// Txn implements MetaStore.
func (s *PebbleStore) Txn(ctx context.Context, ops ...Op) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpPut:
			err = b.Set(encodeKey(op.CF, op.Key), op.Value, nil)
		case OpDelete:
			err = b.Delete(encodeKey(op.CF, op.Key), nil)
		default:
			err = errors.AssertionFailedf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Close implements MetaStore.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
