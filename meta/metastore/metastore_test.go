// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package metastore

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func testMetaStore(t *testing.T, s MetaStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, CFDefault, []byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, CFDefault, []byte("k"), []byte("v1")))
	require.NoError(t, s.Put(ctx, CFDefault, []byte("k"), []byte("v2")))
	v, err := s.Get(ctx, CFDefault, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Txn(ctx,
		PutOp(CFWorkerNode, []byte("2"), []byte("b")),
		PutOp(CFWorkerNode, []byte("1"), []byte("a")),
		PutOp(CFVersion, []byte("1"), []byte("x")),
		DeleteOp(CFDefault, []byte("k")),
	))
	_, err = s.Get(ctx, CFDefault, []byte("k"))
	require.True(t, errors.Is(err, ErrNotFound))

	kvs, err := s.List(ctx, CFWorkerNode)
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: []byte("1"), Value: []byte("a")},
		{Key: []byte("2"), Value: []byte("b")},
	}, kvs)

	require.NoError(t, s.Delete(ctx, CFWorkerNode, []byte("1")))
	require.NoError(t, s.Delete(ctx, CFWorkerNode, []byte("1")))
	kvs, err = s.List(ctx, CFWorkerNode)
	require.NoError(t, err)
	require.Len(t, kvs, 1)

	kvs, err = s.List(ctx, "cf/empty")
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	testMetaStore(t, s)
}

func TestPebbleStore(t *testing.T) {
	fs := vfs.NewMem()
	s, err := OpenPebble("meta", PebbleOptions{FS: fs, Logger: base.NoopLogger{}})
	require.NoError(t, err)
	testMetaStore(t, s)
	require.NoError(t, s.Close())

	// Writes survive reopening.
	s, err = OpenPebble("meta", PebbleOptions{FS: fs, Logger: base.NoopLogger{}})
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(context.Background(), CFVersion, []byte("1"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), v)
}
