// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/meta/version"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/google/uuid"
)

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleCommand schedules cmd and returns immediately.
func (m *GlobalBarrierManager) ScheduleCommand(cmd Command) {
	m.scheduled.Push(Scheduled{Command: cmd})
}

// IssueCommand schedules cmd and returns once the barrier carrying it is
// about to be sent.
func (m *GlobalBarrierManager) IssueCommand(ctx context.Context, cmd Command) error {
	n := NewNotifier(true /* toSend */, true /* collected */, false /* finished */)
	m.scheduled.Push(Scheduled{Command: cmd, Notifiers: []*Notifier{n}})
	select {
	case <-n.ToSend:
		return nil
	case err := <-n.Collected:
		// The command failed before it was sent.
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCommand schedules cmd and returns once it is collected and finished.
func (m *GlobalBarrierManager) RunCommand(ctx context.Context, cmd Command) error {
	return m.RunMultipleCommands(ctx, []Command{cmd})
}

// RunMultipleCommands schedules cmds atomically and in order, and returns
// once all of them are collected and finished. A snapshot is pinned while a
// created materialized view is backfilling.
func (m *GlobalBarrierManager) RunMultipleCommands(ctx context.Context, cmds []Command) error {
	scheduled := make([]Scheduled, len(cmds))
	ns := make([]*Notifier, len(cmds))
	for i, cmd := range cmds {
		ns[i] = NewNotifier(false /* toSend */, true /* collected */, true /* finished */)
		scheduled[i] = Scheduled{Command: cmd, Notifiers: []*Notifier{ns[i]}}
	}
	m.scheduled.Push(scheduled...)

	for i, cmd := range cmds {
		if err := wait(ctx, ns[i].Collected); err != nil {
			return err
		}
		if _, ok := cmd.CreatingTableID(); !ok {
			if err := wait(ctx, ns[i].Finished); err != nil {
				return err
			}
			continue
		}
		snap, err := m.versions.PinSnapshot(ctx, metaContextID)
		if err != nil {
			return err
		}
		err = wait(ctx, ns[i].Finished)
		if unpinErr := m.versions.UnpinSnapshot(ctx, metaContextID, snap); unpinErr != nil {
			err = errors.CombineErrors(err, unpinErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush waits for the next barrier to be collected and returns the latest
// committed snapshot.
func (m *GlobalBarrierManager) Flush(ctx context.Context) (version.Snapshot, error) {
	n := NewNotifier(false /* toSend */, true /* collected */, false /* finished */)
	m.scheduled.AttachNotifiers(n)
	if err := wait(ctx, n.Collected); err != nil {
		return version.Snapshot{}, err
	}
	return m.versions.LatestSnapshot(), nil
}

// CreateMaterializedView places the actors of t on the running compute
// nodes, builds them, and runs the command adding them to the dataflow.
func (m *GlobalBarrierManager) CreateMaterializedView(
	ctx context.Context,
	t *cluster.TableFragments,
	dispatchers map[streampb.ActorID][]streampb.Dispatcher,
	splits map[streampb.ActorID][]streampb.Split,
) error {
	if err := m.buildCreatingTable(ctx, t); err != nil {
		return err
	}
	defer func() {
		m.ddl.Lock()
		defer m.ddl.Unlock()
		delete(m.ddl.creating, t.TableID)
	}()
	return m.RunCommand(ctx, CreateMaterializedView(t, dispatchers, splits))
}

// buildCreatingTable registers the fragments of t as being created and
// builds its actors. Until the caller removes t from the creating set,
// recovery keeps the fragments and rebuilds the actors.
func (m *GlobalBarrierManager) buildCreatingTable(ctx context.Context, t *cluster.TableFragments) error {
	m.ddl.Lock()
	defer m.ddl.Unlock()
	nodes := m.env.cluster.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateRunning)
	if err := cluster.Schedule(t, nodes); err != nil {
		return err
	}
	if err := m.env.fragments.StartCreateTableFragments(ctx, t); err != nil {
		return err
	}
	workerActors := t.WorkerActors()
	var hosts []streampb.WorkerNode
	for _, n := range nodes {
		if len(workerActors[n.ID]) > 0 {
			hosts = append(hosts, n)
		}
	}
	if err := m.forEachNode(ctx, hosts,
		func(ctx context.Context, _ int, node streampb.WorkerNode, client streampb.StreamService) error {
			actors := workerActors[node.ID]
			if _, err := client.UpdateActors(ctx, &streampb.UpdateActorsRequest{
				RequestID: uuid.NewString(),
				Actors:    actors,
			}); err != nil {
				return err
			}
			ids := make([]streampb.ActorID, len(actors))
			for i := range actors {
				ids[i] = actors[i].ActorID
			}
			_, err := client.BuildActors(ctx, &streampb.BuildActorsRequest{RequestID: uuid.NewString(), ActorIDs: ids})
			return err
		}); err != nil {
		return errors.CombineErrors(err, m.env.fragments.DropTableFragments(ctx, t.TableID))
	}
	m.ddl.creating[t.TableID] = struct{}{}
	return nil
}

// DropMaterializedView stops and drops the actors of table id.
func (m *GlobalBarrierManager) DropMaterializedView(ctx context.Context, id streampb.TableID) error {
	if _, err := m.env.fragments.TableFragments(id); err != nil {
		return err
	}
	return m.RunCommand(ctx, DropMaterializedView(id))
}
