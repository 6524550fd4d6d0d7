// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestScheduledBarriers(t *testing.T) {
	s := NewScheduledBarriers()
	require.False(t, isClosed(s.NonEmpty()))
	require.True(t, s.PopOrDefault().Command.IsCheckpoint())

	create := CreateMaterializedView(&cluster.TableFragments{TableID: 3}, nil, nil)
	s.Push(Scheduled{Command: DropMaterializedView(1)}, Scheduled{Command: create})
	require.True(t, isClosed(s.NonEmpty()))
	require.NoError(t, s.WaitOne(context.Background()))
	require.Equal(t, 2, s.Len())
	require.Equal(t, map[streampb.TableID]struct{}{3: {}}, s.CreatingTables())

	// Notifiers attach to the head.
	n := NewNotifier(true /* toSend */, true /* collected */, false /* finished */)
	s.AttachNotifiers(n)
	head := s.PopOrDefault()
	require.Equal(t, CommandDropMaterializedView, head.Command.Kind)
	require.Equal(t, []*Notifier{n}, head.Notifiers)
	require.Equal(t, CommandCreateMaterializedView, s.PopOrDefault().Command.Kind)
	require.False(t, isClosed(s.NonEmpty()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitOne(ctx), context.DeadlineExceeded)

	// On an empty queue they ride a new checkpoint.
	s.AttachNotifiers(n)
	require.Equal(t, 1, s.Len())
	n2 := NewNotifier(false /* toSend */, true /* collected */, true /* finished */)
	s.Push(Scheduled{Command: Checkpoint(), Notifiers: []*Notifier{n2}})

	s.Abort()
	require.Zero(t, s.Len())
	require.False(t, isClosed(s.NonEmpty()))
	require.ErrorIs(t, <-n.Collected, ErrAborted)
	require.ErrorIs(t, <-n2.Collected, ErrAborted)
	require.ErrorIs(t, <-n2.Finished, ErrAborted)
	require.False(t, isClosed(n.ToSend))
}

func TestNotifierFiresOnce(t *testing.T) {
	n := NewNotifier(true /* toSend */, true /* collected */, true /* finished */)
	ns := notifiers{n, NewNotifier(false, false, false)}
	ns.toSend()
	ns.toSend()
	require.True(t, isClosed(n.ToSend))
	ns.collected(nil)
	ns.failed(ErrAborted)
	require.NoError(t, <-n.Collected)
	require.ErrorIs(t, <-n.Finished, ErrAborted)
	ns.finished(nil)
	require.Empty(t, n.Finished)
}

func TestProgressTracker(t *testing.T) {
	tr := newProgressTracker()
	require.True(t, tr.add(newCommandContext(nil, 1, 2, Checkpoint(), nil), nil))

	tf := testTable(1, 10)
	n := NewNotifier(false /* toSend */, false /* collected */, true /* finished */)
	cmdCtx := newCommandContext(nil, 2, 3, CreateMaterializedView(tf, nil, nil), nil)
	require.Equal(t, []streampb.ActorID{13}, cmdCtx.ActorsToTrack())
	require.False(t, tr.add(cmdCtx, []*Notifier{n}))
	require.Equal(t, 1, tr.pending())

	require.Nil(t, tr.update(streampb.CreateMviewProgress{ChainActorID: 99, Done: true}))
	require.Nil(t, tr.update(streampb.CreateMviewProgress{ChainActorID: 13, ConsumedEpoch: 4}))
	tc := tr.update(streampb.CreateMviewProgress{ChainActorID: 13, Done: true, ConsumedEpoch: 5})
	require.NotNil(t, tc)
	require.Equal(t, cmdCtx, tc.cmdCtx)
	require.Equal(t, []*Notifier{n}, tc.notifiers)
	require.Zero(t, tr.pending())
	require.Nil(t, tr.update(streampb.CreateMviewProgress{ChainActorID: 13, Done: true}))
}

func TestResolveActorInfo(t *testing.T) {
	nodes := []streampb.WorkerNode{{ID: 2}, {ID: 1}}
	info := ResolveActorInfo(nodes, cluster.ActorInfos{
		ActorMaps: map[streampb.WorkerID][]streampb.ActorID{
			1: {4, 1, 3},
			2: {2},
			// Actors on nodes that are not running are ignored.
			9: {5},
		},
		BarrierInjectActorMaps: map[streampb.WorkerID][]streampb.ActorID{1: {1, 4}, 9: {5}},
	})
	require.False(t, info.NothingToDo())
	require.Equal(t, []streampb.WorkerNode{{ID: 1}, {ID: 2}}, info.Nodes())
	require.Equal(t, []streampb.ActorID{1, 3, 4}, info.ActorsToCollect(1))
	require.Equal(t, []streampb.ActorID{1, 4}, info.ActorsToSend(1))
	require.Empty(t, info.ActorsToSend(2))
	require.Empty(t, info.ActorsToCollect(9))
	require.Equal(t, uint64(4), info.ActorCount())

	empty := ResolveActorInfo(nodes, cluster.ActorInfos{})
	require.True(t, empty.NothingToDo())
	require.Empty(t, collectingNodes(empty))
}

func TestMigrationPlan(t *testing.T) {
	running := []streampb.WorkerNode{{ID: 1}, {ID: 4}}
	plan, err := migrationPlan([]streampb.WorkerID{5, 1, 3, 2}, running)
	require.NoError(t, err)
	require.Equal(t, map[streampb.WorkerID]streampb.WorkerID{2: 1, 3: 4, 5: 1}, plan)

	plan, err = migrationPlan([]streampb.WorkerID{1}, running)
	require.NoError(t, err)
	require.Empty(t, plan)

	_, err = migrationPlan([]streampb.WorkerID{1}, nil)
	require.Error(t, err)
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "checkpoint", Checkpoint().String())
	require.Equal(t, "drop-mview(table 4)", DropMaterializedView(4).String())
	require.Equal(t, "create-mview(table 3)",
		CreateMaterializedView(&cluster.TableFragments{TableID: 3}, nil, nil).String())
	stop := &streampb.Mutation{Stop: &streampb.StopMutation{Actors: []streampb.ActorID{1}}}
	require.Equal(t, "plain(stop[1])", Plain(stop).String())
	require.True(t, DropMaterializedView(4).ShouldPauseInjectBarrier())
	require.False(t, Plain(stop).ShouldPauseInjectBarrier())
}
