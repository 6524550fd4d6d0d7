// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cluster

import (
	"context"
	"testing"

	"github.com/cockroachdb/hummock/internal/testutils"
	"github.com/cockroachdb/hummock/meta/metastore"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/stretchr/testify/require"
)

func host(port int32) streampb.HostAddress {
	return streampb.HostAddress{Host: "127.0.0.1", Port: port}
}

func TestWorkerNodes(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()
	m, err := NewManager(ctx, store, testutils.Logger{T: t})
	require.NoError(t, err)

	n1, err := m.AddWorkerNode(ctx, host(1), streampb.WorkerTypeComputeNode)
	require.NoError(t, err)
	n2, err := m.AddWorkerNode(ctx, host(2), streampb.WorkerTypeComputeNode)
	require.NoError(t, err)
	_, err = m.AddWorkerNode(ctx, host(3), streampb.WorkerTypeFrontend)
	require.NoError(t, err)
	again, err := m.AddWorkerNode(ctx, host(1), streampb.WorkerTypeComputeNode)
	require.NoError(t, err)
	require.Equal(t, n1, again)
	require.Equal(t, streampb.WorkerStateStarting, n1.State)

	require.NoError(t, m.ActivateWorkerNode(ctx, host(2)))
	require.ErrorIs(t, m.ActivateWorkerNode(ctx, host(9)), ErrNodeNotFound)

	running := m.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateRunning)
	require.Len(t, running, 1)
	require.Equal(t, n2.ID, running[0].ID)
	all := m.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateUnspecified)
	require.Len(t, all, 2)
	require.Equal(t, n1.ID, all[0].ID)

	_, err = m.DeleteWorkerNode(ctx, host(1))
	require.NoError(t, err)

	// A reloaded manager sees the persisted nodes and does not reuse ids.
	m2, err := NewManager(ctx, store, testutils.Logger{T: t})
	require.NoError(t, err)
	require.Len(t, m2.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateUnspecified), 1)
	n4, err := m2.AddWorkerNode(ctx, host(4), streampb.WorkerTypeComputeNode)
	require.NoError(t, err)
	require.Greater(t, n4.ID, n2.ID)
}

func testTable(id streampb.TableID, firstActor streampb.ActorID) *TableFragments {
	return &TableFragments{
		TableID: id,
		Fragments: []Fragment{
			{ID: 1, Actors: []streampb.StreamActor{
				{ActorID: firstActor, TableID: id, IsSource: true},
				{ActorID: firstActor + 1, TableID: id, IsSource: true},
			}},
			{ID: 2, Actors: []streampb.StreamActor{
				{ActorID: firstActor + 2, TableID: id, UpstreamActorIDs: []streampb.ActorID{firstActor}},
				{ActorID: firstActor + 3, TableID: id, IsChain: true},
			}},
		},
	}
}

func TestFragmentManager(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()
	m, err := NewFragmentManager(ctx, store, testutils.Logger{T: t})
	require.NoError(t, err)
	nodes := []streampb.WorkerNode{{ID: 1}, {ID: 2}}

	t1 := testTable(1, 10)
	require.NoError(t, Schedule(t1, nodes))
	require.NoError(t, m.StartCreateTableFragments(ctx, t1))
	require.Error(t, m.StartCreateTableFragments(ctx, t1))

	// Creating tables are only visible when asked for.
	require.Empty(t, m.LoadAllActors(nil).ActorMaps)
	id := streampb.TableID(1)
	infos := m.LoadAllActors(&id)
	require.Equal(t, []streampb.ActorID{10, 12}, infos.ActorMaps[1])
	require.Equal(t, []streampb.ActorID{11, 13}, infos.ActorMaps[2])
	require.Equal(t, []streampb.ActorID{10}, infos.BarrierInjectActorMaps[1])
	require.Equal(t, []streampb.ActorID{11, 13}, infos.BarrierInjectActorMaps[2])

	require.NoError(t, m.FinishCreateTableFragments(ctx, 1))
	require.Len(t, m.LoadAllActors(nil).ActorMaps[1], 2)
	tf, err := m.TableFragments(1)
	require.NoError(t, err)
	require.Equal(t, []streampb.ActorID{13}, tf.ChainActorIDs())
	require.Equal(t, []streampb.ActorID{10, 11}, tf.SourceActorIDs())

	t2 := testTable(2, 20)
	require.NoError(t, Schedule(t2, nodes))
	require.NoError(t, m.StartCreateTableFragments(ctx, t2))
	t3 := testTable(3, 30)
	require.NoError(t, Schedule(t3, nodes))
	require.NoError(t, m.StartCreateTableFragments(ctx, t3))
	dropped, err := m.CleanDirtyFragments(ctx, func(id streampb.TableID) bool { return id == 3 })
	require.NoError(t, err)
	require.Equal(t, []streampb.TableID{2}, dropped)

	require.NoError(t, m.MigrateActors(ctx, map[streampb.WorkerID]streampb.WorkerID{2: 5}))
	// Tables still being created keep their actors too.
	actors := m.NodeActors()
	require.Len(t, actors[1], 4)
	require.Len(t, actors[5], 4)
	require.Empty(t, actors[2])

	// State survives a reload.
	m2, err := NewFragmentManager(ctx, store, testutils.Logger{T: t})
	require.NoError(t, err)
	tables := m2.ListTableFragments()
	require.Len(t, tables, 2)
	require.Equal(t, TableCreated, tables[0].State)
	require.Equal(t, TableCreating, tables[1].State)
	require.Equal(t, streampb.WorkerID(5), tables[1].Locations[31])

	require.NoError(t, m2.DropTableFragments(ctx, 1))
	require.ErrorIs(t, m2.DropTableFragments(ctx, 1), ErrTableNotFound)
}
