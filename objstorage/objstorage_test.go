// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package objstorage

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func testObjectStore(t *testing.T, s ObjectStore) {
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "b.sst", []byte("hello world")))
	require.NoError(t, s.Upload(ctx, "a.sst", []byte("abc")))
	require.NoError(t, s.Upload(ctx, "other", []byte("x")))

	data, err := s.Read(ctx, "b.sst")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	data, err = s.ReadRange(ctx, "b.sst", 6, 5)
	require.NoError(t, err)
	require.Equal(t, "world", string(data))
	_, err = s.ReadRange(ctx, "b.sst", 6, 6)
	require.Error(t, err)

	size, err := s.Size(ctx, "a.sst")
	require.NoError(t, err)
	require.Equal(t, uint64(3), size)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a.sst", "b.sst", "other"}, names)

	require.NoError(t, s.Upload(ctx, "a.sst", []byte("replaced")))
	data, err = s.Read(ctx, "a.sst")
	require.NoError(t, err)
	require.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, "a.sst"))
	require.NoError(t, s.Delete(ctx, "a.sst"))
	_, err = s.Read(ctx, "a.sst")
	require.True(t, errors.Is(err, ErrNotExist))
	_, err = s.Size(ctx, "a.sst")
	require.True(t, errors.Is(err, ErrNotExist))

	names, err = s.List(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []string{"b.sst"}, names)
	require.NoError(t, s.Close())
}

func TestMemStore(t *testing.T) {
	testObjectStore(t, NewMemStore())
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(vfs.NewMem(), "objects")
	require.NoError(t, err)
	testObjectStore(t, s)
}
