// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compute implements the compute-node side of barrier injection and
// collection.
package compute

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/streampb"
)

// ErrReset is returned to waiters of epochs discarded by a reset.
var ErrReset = errors.New("compute: barrier manager reset")

// collectState tracks the actors yet to collect the barrier following an
// epoch.
type collectState struct {
	barrier   streampb.Barrier
	remaining map[streampb.ActorID]struct{}
	progress  []streampb.CreateMviewProgress
	done      chan struct{}
	err       error
}

func (c *collectState) finish(err error) {
	c.err = err
	close(c.done)
}

// LocalBarrierManager routes injected barriers to the actors of a node and
// tracks their collection.
type LocalBarrierManager struct {
	mu struct {
		sync.Mutex
		inboxes map[streampb.ActorID]chan<- streampb.Barrier
		// collecting is keyed by the prev epoch of the barrier.
		collecting map[base.Epoch]*collectState
	}
}

// NewLocalBarrierManager returns an empty manager.
func NewLocalBarrierManager() *LocalBarrierManager {
	m := &LocalBarrierManager{}
	m.mu.inboxes = make(map[streampb.ActorID]chan<- streampb.Barrier)
	m.mu.collecting = make(map[base.Epoch]*collectState)
	return m
}

// Register makes inbox the barrier input of actor.
func (m *LocalBarrierManager) Register(actor streampb.ActorID, inbox chan<- streampb.Barrier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.inboxes[actor] = inbox
}

// Unregister removes the barrier input of actor.
func (m *LocalBarrierManager) Unregister(actor streampb.ActorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.inboxes, actor)
}

// SendBarrier starts collecting b from toCollect and delivers it to the
// inboxes of toSend. Actors are not connected by exchange channels, so
// actors of toCollect outside toSend, which would see b through their
// upstream actors, receive it from the node too. It blocks while an inbox is
// full.
func (m *LocalBarrierManager) SendBarrier(
	ctx context.Context, b streampb.Barrier, toSend, toCollect []streampb.ActorID,
) error {
	m.mu.Lock()
	prev := b.Epoch.Prev
	if _, ok := m.mu.collecting[prev]; ok {
		m.mu.Unlock()
		return errors.Newf("compute: barrier after epoch %s already injected", prev)
	}
	targets := make(map[streampb.ActorID]struct{}, len(toSend)+len(toCollect))
	inboxes := make([]chan<- streampb.Barrier, 0, len(toSend)+len(toCollect))
	for _, id := range slices.Concat(toSend, toCollect) {
		if _, ok := targets[id]; ok {
			continue
		}
		targets[id] = struct{}{}
		inbox, ok := m.mu.inboxes[id]
		if !ok {
			m.mu.Unlock()
			return errors.Newf("compute: actor %d is not running", id)
		}
		inboxes = append(inboxes, inbox)
	}
	state := &collectState{
		barrier:   b,
		remaining: make(map[streampb.ActorID]struct{}, len(toCollect)),
		done:      make(chan struct{}),
	}
	for _, id := range toCollect {
		state.remaining[id] = struct{}{}
	}
	if len(state.remaining) == 0 {
		state.finish(nil)
	}
	m.mu.collecting[prev] = state
	m.mu.Unlock()

	for _, inbox := range inboxes {
		select {
		case inbox <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Collect records that actor has processed b.
func (m *LocalBarrierManager) Collect(actor streampb.ActorID, b streampb.Barrier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.mu.collecting[b.Epoch.Prev]
	if !ok {
		return
	}
	if _, ok := state.remaining[actor]; !ok {
		return
	}
	delete(state.remaining, actor)
	if len(state.remaining) == 0 {
		state.finish(nil)
	}
}

// ReportProgress attaches the backfill progress of a chain actor to the
// barrier following prev.
func (m *LocalBarrierManager) ReportProgress(prev base.Epoch, p streampb.CreateMviewProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.mu.collecting[prev]; ok {
		state.progress = append(state.progress, p)
	}
}

// AwaitCollected waits until every actor has collected the barrier following
// prev and returns the progress reported with it.
func (m *LocalBarrierManager) AwaitCollected(
	ctx context.Context, prev base.Epoch,
) ([]streampb.CreateMviewProgress, error) {
	m.mu.Lock()
	state, ok := m.mu.collecting[prev]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Newf("compute: no barrier injected after epoch %s", prev)
	}
	select {
	case <-state.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mu.collecting[prev] == state {
		delete(m.mu.collecting, prev)
	}
	if state.err != nil {
		return nil, state.err
	}
	return state.progress, nil
}

// Reset fails every epoch being collected and forgets all actors.
func (m *LocalBarrierManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for prev, state := range m.mu.collecting {
		select {
		case <-state.done:
		default:
			state.finish(ErrReset)
		}
		delete(m.mu.collecting, prev)
	}
	clear(m.mu.inboxes)
}

// PendingEpochs returns the number of barriers not yet awaited.
func (m *LocalBarrierManager) PendingEpochs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.collecting)
}
