// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package version

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/objstorage"
	"github.com/cockroachdb/hummock/sstable"
	"github.com/stretchr/testify/require"
)

func table(id uint64, epoch base.Epoch, start, end string) sstable.LocalInfo {
	return sstable.LocalInfo{
		CompactionGroupID: sstable.DefaultCompactionGroupID,
		Info: sstable.Info{
			ObjectID: id,
			KeyRange: base.KeyRange{
				Left:  base.MakeFullKey([]byte(start), epoch),
				Right: base.MakeFullKey([]byte(end), epoch),
			},
			MinEpoch: epoch,
			MaxEpoch: epoch,
		},
	}
}

func TestCommitEpoch(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()
	m, err := NewManager(ctx, store, Options{Logger: base.NoopLogger{}})
	require.NoError(t, err)

	var notified []uint64
	unsubscribe := m.Subscribe(func(v *Version) { notified = append(notified, v.ID) })

	require.NoError(t, m.CommitEpoch(ctx, 10, []sstable.LocalInfo{
		table(2, 10, "m", "z"), table(1, 10, "a", "c"),
	}))
	require.NoError(t, m.CommitEpoch(ctx, 11, nil))
	require.NoError(t, m.CommitEpoch(ctx, 12, []sstable.LocalInfo{table(3, 12, "b", "n")}))

	err = m.CommitEpoch(ctx, 12, nil)
	require.Error(t, err)
	require.Error(t, m.CommitEpoch(ctx, 5, nil))

	v := m.Current()
	require.Equal(t, uint64(3), v.ID)
	require.Equal(t, base.Epoch(12), v.MaxCommittedEpoch)
	require.Len(t, v.L0, 2)
	require.Equal(t, uint64(1), v.L0[0].Tables[0].ObjectID)
	require.Equal(t, 3, v.TableCount())
	require.Equal(t, []uint64{1, 2, 3}, notified)

	overlapping := v.OverlappingTables(12, []byte("b"), []byte("d"))
	require.Len(t, overlapping, 2)
	require.Equal(t, uint64(3), overlapping[0][0].ObjectID)
	require.Equal(t, uint64(1), overlapping[1][0].ObjectID)
	require.Len(t, v.OverlappingTables(11, nil, nil), 1)

	unsubscribe()
	require.NoError(t, m.CommitEpoch(ctx, 13, nil))
	require.Len(t, notified, 3)

	// The version is recovered from the meta-store.
	m2, err := NewManager(ctx, store, Options{Logger: base.NoopLogger{}})
	require.NoError(t, err)
	require.Equal(t, m.Current(), m2.Current())
	require.Equal(t, Snapshot{Epoch: 13}, m2.LatestSnapshot())
}

func TestCommitEpochRejectsBadKeyRanges(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, metastore.NewMemStore(), Options{Logger: base.NoopLogger{}})
	require.NoError(t, err)
	require.NoError(t, m.CommitEpoch(ctx, 4, []sstable.LocalInfo{table(1, 4, "a", "c")}))
	before := m.Current()

	inverted := table(4, 5, "a", "c")
	inverted.Info.KeyRange.Left, inverted.Info.KeyRange.Right = inverted.Info.KeyRange.Right, inverted.Info.KeyRange.Left
	for _, ssts := range [][]sstable.LocalInfo{
		{{Info: sstable.Info{ObjectID: 2}}, {Info: sstable.Info{ObjectID: 3}}},
		{table(2, 5, "a", "c"), {Info: sstable.Info{ObjectID: 3, KeyRange: base.KeyRange{
			Left: []byte("a"), Right: []byte("c"),
		}}}},
		{inverted},
	} {
		err := m.CommitEpoch(ctx, 5, ssts)
		require.True(t, base.IsCorruptionError(err), "%v", err)
		require.Same(t, before, m.Current())
	}
	require.NoError(t, m.CommitEpoch(ctx, 5, []sstable.LocalInfo{table(2, 5, "a", "c")}))
}

func TestPinSnapshot(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()
	m, err := NewManager(ctx, store, Options{Logger: base.NoopLogger{}})
	require.NoError(t, err)

	_, ok := m.MinPinnedEpoch()
	require.False(t, ok)

	require.NoError(t, m.CommitEpoch(ctx, 7, nil))
	s1, err := m.PinSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, base.Epoch(7), s1.Epoch)
	require.NoError(t, m.CommitEpoch(ctx, 9, nil))
	s2, err := m.PinSnapshot(ctx, 2)
	require.NoError(t, err)

	e, ok := m.MinPinnedEpoch()
	require.True(t, ok)
	require.Equal(t, base.Epoch(7), e)

	m2, err := NewManager(ctx, store, Options{Logger: base.NoopLogger{}})
	require.NoError(t, err)
	e, ok = m2.MinPinnedEpoch()
	require.True(t, ok)
	require.Equal(t, base.Epoch(7), e)

	require.NoError(t, m.UnpinSnapshot(ctx, 1, s1))
	require.Error(t, m.UnpinSnapshot(ctx, 1, s1))
	e, _ = m.MinPinnedEpoch()
	require.Equal(t, base.Epoch(9), e)
	require.NoError(t, m.UnpinSnapshot(ctx, 2, s2))
	_, ok = m.MinPinnedEpoch()
	require.False(t, ok)

	kvs, err := store.List(ctx, metastore.CFPinnedSnapshot)
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestAbortEpochDeletesTables(t *testing.T) {
	ctx := context.Background()
	objs := objstorage.NewMemStore()
	require.NoError(t, objs.Upload(ctx, sstable.ObjectName(1), []byte("data")))
	m, err := NewManager(ctx, metastore.NewMemStore(), Options{ObjectStore: objs, Logger: base.NoopLogger{}})
	require.NoError(t, err)
	require.NoError(t, m.AbortEpoch(ctx, 3, []sstable.LocalInfo{table(1, 3, "a", "b")}))
	_, err = objs.Read(ctx, sstable.ObjectName(1))
	require.True(t, errors.Is(err, objstorage.ErrNotExist))
}
