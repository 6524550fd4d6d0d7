// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/streampb"
)

// chainState is the backfill state of a chain actor.
type chainState struct {
	done bool
	// consumed is the upstream epoch consumed so far. Zero while the actor
	// is still consuming the snapshot.
	consumed base.Epoch
}

type trackedCommand struct {
	ddlEpoch  base.Epoch
	cmdCtx    *CommandContext
	notifiers []*Notifier
	actors    map[streampb.ActorID]chainState
	remaining int
}

// progressTracker tracks the backfill of the chain actors of the
// materialized views being created, and finishes their commands once every
// chain actor is done.
type progressTracker struct {
	commands map[base.Epoch]*trackedCommand
	// actorToEpoch maps a chain actor to the DDL epoch of its command.
	actorToEpoch map[streampb.ActorID]base.Epoch
}

func newProgressTracker() *progressTracker {
	t := &progressTracker{}
	t.reset()
	return t
}

func (t *progressTracker) reset() {
	t.commands = make(map[base.Epoch]*trackedCommand)
	t.actorToEpoch = make(map[streampb.ActorID]base.Epoch)
}

// add starts tracking the chain actors of cmdCtx. It returns true if there
// is nothing to track, in which case the command is already finished.
func (t *progressTracker) add(cmdCtx *CommandContext, ns []*Notifier) bool {
	actors := cmdCtx.ActorsToTrack()
	if len(actors) == 0 {
		return true
	}
	tc := &trackedCommand{
		ddlEpoch:  cmdCtx.currEpoch,
		cmdCtx:    cmdCtx,
		notifiers: ns,
		actors:    make(map[streampb.ActorID]chainState, len(actors)),
		remaining: len(actors),
	}
	for _, a := range actors {
		tc.actors[a] = chainState{}
		t.actorToEpoch[a] = tc.ddlEpoch
	}
	t.commands[tc.ddlEpoch] = tc
	return false
}

// update applies the progress reported by a chain actor and returns the
// command it finished, if any.
func (t *progressTracker) update(p streampb.CreateMviewProgress) *trackedCommand {
	epoch, ok := t.actorToEpoch[p.ChainActorID]
	if !ok {
		return nil
	}
	tc := t.commands[epoch]
	state := tc.actors[p.ChainActorID]
	if state.done {
		return nil
	}
	state.consumed = max(state.consumed, p.ConsumedEpoch)
	if p.Done {
		state.done = true
		tc.remaining--
	}
	tc.actors[p.ChainActorID] = state
	if tc.remaining > 0 {
		return nil
	}
	for a := range tc.actors {
		delete(t.actorToEpoch, a)
	}
	delete(t.commands, epoch)
	return tc
}

// pending returns the number of commands being tracked.
func (t *progressTracker) pending() int {
	return len(t.commands)
}
