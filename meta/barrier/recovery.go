// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/google/uuid"
)

// errRecovery fails the commands whose side effects a recovery discarded.
var errRecovery = errors.New("barrier: cluster recovered")

// recover resets the barrier state and rebuilds every actor of the cluster
// from the last persisted watermark, retrying until it succeeds. It returns
// false if the manager was stopped first.
func (m *GlobalBarrierManager) recover() bool {
	m.state.generation++
	m.opts.Metrics.Recoveries.Inc()
	for _, tc := range m.state.tracker.commands {
		notifiers(tc.notifiers).finished(errRecovery)
	}
	m.state.tracker.reset()

	ctx := m.stopCtx
	m.ddl.Lock()
	defer m.ddl.Unlock()
	keep := m.scheduled.CreatingTables()
	maps.Copy(keep, m.ddl.creating)
	if _, err := m.env.fragments.CleanDirtyFragments(ctx, func(id streampb.TableID) bool {
		_, ok := keep[id]
		return ok
	}); err != nil {
		m.opts.Logger.Errorf("barrier: cleaning dirty fragments: %v", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RecoveryInitialInterval
	b.MaxInterval = m.opts.RecoveryMaxInterval
	b.MaxElapsedTime = 0
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		return m.recoverOnce(ctx)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		m.opts.Logger.Errorf("barrier: recovery failed, retrying in %s: %v", d, err)
	})
	if err != nil {
		return false
	}
	m.opts.Logger.Infof("barrier: recovered at epoch %s in %s", m.state.prevEpoch, time.Since(start))
	return true
}

// migrationPlan maps the workers hosting actors that are not running to
// running workers, round-robin.
func migrationPlan(
	hosting []streampb.WorkerID, running []streampb.WorkerNode,
) (map[streampb.WorkerID]streampb.WorkerID, error) {
	alive := make(map[streampb.WorkerID]bool, len(running))
	for _, n := range running {
		alive[n.ID] = true
	}
	slices.Sort(hosting)
	plan := make(map[streampb.WorkerID]streampb.WorkerID)
	for _, w := range hosting {
		if alive[w] {
			continue
		}
		if len(running) == 0 {
			return nil, errors.Newf("barrier: no running compute node to migrate the actors of worker %d to", w)
		}
		plan[w] = running[len(plan)%len(running)].ID
	}
	return plan, nil
}

func (m *GlobalBarrierManager) recoverOnce(ctx context.Context) error {
	nodes := m.env.cluster.ListWorkerNodes(streampb.WorkerTypeComputeNode, streampb.WorkerStateRunning)
	nodeActors := m.env.fragments.NodeActors()
	hosting := make([]streampb.WorkerID, 0, len(nodeActors))
	for w := range nodeActors {
		hosting = append(hosting, w)
	}
	plan, err := migrationPlan(hosting, nodes)
	if err != nil {
		return err
	}
	if err := m.env.fragments.MigrateActors(ctx, plan); err != nil {
		return err
	}
	for from := range plan {
		m.env.clients.Invalidate(from)
	}
	nodeActors = m.env.fragments.NodeActors()

	if err := m.forEachNode(ctx, nodes,
		func(ctx context.Context, _ int, _ streampb.WorkerNode, client streampb.StreamService) error {
			_, err := client.ForceStopActors(ctx, &streampb.ForceStopActorsRequest{RequestID: uuid.NewString()})
			return err
		}); err != nil {
		for _, n := range nodes {
			m.env.clients.Invalidate(n.ID)
		}
		return errors.Wrap(err, "stopping actors")
	}

	var infoTable []streampb.ActorInfo
	for _, n := range nodes {
		for _, a := range nodeActors[n.ID] {
			infoTable = append(infoTable, streampb.ActorInfo{ActorID: a.ActorID, Host: n.Host})
		}
	}
	if err := m.forEachNode(ctx, nodes,
		func(ctx context.Context, _ int, node streampb.WorkerNode, client streampb.StreamService) error {
			if _, err := client.BroadcastActorInfoTable(ctx, &streampb.BroadcastActorInfoTableRequest{
				Info: infoTable,
			}); err != nil {
				return err
			}
			actors := nodeActors[node.ID]
			if len(actors) == 0 {
				return nil
			}
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
			_, err := client.BuildActors(ctx, &streampb.BuildActorsRequest{
				RequestID: uuid.NewString(),
				ActorIDs:  ids,
			})
			return err
		}); err != nil {
		return errors.Wrap(err, "rebuilding actors")
	}

	info := m.resolveActorInfo(nil)
	if info.NothingToDo() {
		return nil
	}
	var splits map[streampb.ActorID][]streampb.Split
	if m.opts.Splits != nil {
		splits = m.opts.Splits.ListAssignments()
	}
	prev := m.state.prevEpoch
	curr := prev.Next()
	cmdCtx := newCommandContext(info, prev, curr,
		Plain(&streampb.Mutation{Add: &streampb.AddMutation{ActorSplits: splits}}), &m.env)
	if err := m.persistWatermark(ctx, curr); err != nil {
		return err
	}
	// The epoch is spent even if the barrier fails.
	m.state.prevEpoch = curr
	if err := m.sendBarrier(ctx, cmdCtx); err != nil {
		return errors.Wrapf(err, "injecting initial barrier %s", base.MakeEpochPair(prev, curr))
	}
	if _, err := m.collectBarrier(ctx, cmdCtx); err != nil {
		return errors.Wrapf(err, "collecting initial barrier %s", base.MakeEpochPair(prev, curr))
	}
	return nil
}
