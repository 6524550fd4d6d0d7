// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/rpc"
	"github.com/cockroachdb/hummock/streampb"
	"github.com/cockroachdb/redact"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CommandKind is the kind of a Command.
type CommandKind uint8

const (
	// CommandPlain carries an optional mutation. Without a mutation it is a
	// periodic checkpoint.
	CommandPlain CommandKind = iota
	// CommandCreateMaterializedView adds the actors of a new table.
	CommandCreateMaterializedView
	// CommandDropMaterializedView stops and drops the actors of a table.
	CommandDropMaterializedView
)

// String implements fmt.Stringer.
func (k CommandKind) String() string {
	return redact.StringWithoutMarkers(k)
}

// SafeFormat implements redact.SafeFormatter.
func (k CommandKind) SafeFormat(w redact.SafePrinter, _ rune) {
	switch k {
	case CommandPlain:
		w.SafeString("plain")
	case CommandCreateMaterializedView:
		w.SafeString("create-mview")
	case CommandDropMaterializedView:
		w.SafeString("drop-mview")
	default:
		w.Printf("command(%d)", redact.SafeUint(k))
	}
}

// Command is a mutation injected alongside a barrier.
type Command struct {
	Kind CommandKind

	// Mutation is the mutation of a plain command.
	Mutation *streampb.Mutation

	// TableFragments, Dispatchers and InitSplitAssignment describe a created
	// materialized view.
	TableFragments      *cluster.TableFragments
	Dispatchers         map[streampb.ActorID][]streampb.Dispatcher
	InitSplitAssignment map[streampb.ActorID][]streampb.Split

	// TableID is the dropped materialized view.
	TableID streampb.TableID
}

// Checkpoint returns the periodic checkpoint command.
func Checkpoint() Command {
	return Command{Kind: CommandPlain}
}

// Plain returns a plain command carrying m.
func Plain(m *streampb.Mutation) Command {
	return Command{Kind: CommandPlain, Mutation: m}
}

// CreateMaterializedView returns the command adding the actors of t.
func CreateMaterializedView(
	t *cluster.TableFragments,
	dispatchers map[streampb.ActorID][]streampb.Dispatcher,
	splits map[streampb.ActorID][]streampb.Split,
) Command {
	return Command{
		Kind:                CommandCreateMaterializedView,
		TableFragments:      t,
		Dispatchers:         dispatchers,
		InitSplitAssignment: splits,
	}
}

// DropMaterializedView returns the command dropping the actors of table id.
func DropMaterializedView(id streampb.TableID) Command {
	return Command{Kind: CommandDropMaterializedView, TableID: id}
}

// IsCheckpoint returns true for a plain command without mutation.
func (c Command) IsCheckpoint() bool {
	return c.Kind == CommandPlain && c.Mutation == nil
}

// CreatingTableID returns the table a create command adds.
func (c Command) CreatingTableID() (streampb.TableID, bool) {
	if c.Kind == CommandCreateMaterializedView {
		return c.TableFragments.TableID, true
	}
	return 0, false
}

// ShouldPauseInjectBarrier returns true for commands changing the topology;
// no barrier is injected while one is in flight.
func (c Command) ShouldPauseInjectBarrier() bool {
	return c.Kind == CommandCreateMaterializedView || c.Kind == CommandDropMaterializedView
}

// SafeFormat implements redact.SafeFormatter.
func (c Command) SafeFormat(w redact.SafePrinter, _ rune) {
	switch c.Kind {
	case CommandCreateMaterializedView:
		w.Printf("%s(table %d)", c.Kind, redact.SafeUint(c.TableFragments.TableID))
	case CommandDropMaterializedView:
		w.Printf("%s(table %d)", c.Kind, redact.SafeUint(c.TableID))
	default:
		if c.IsCheckpoint() {
			w.SafeString("checkpoint")
			return
		}
		w.Printf("%s(%s)", c.Kind, redact.SafeString(c.Mutation.String()))
	}
}

// String implements fmt.Stringer.
func (c Command) String() string {
	return redact.StringWithoutMarkers(c)
}

// env holds the collaborators commands act on.
type env struct {
	cluster   *cluster.Manager
	fragments *cluster.FragmentManager
	clients   rpc.ClientPool
}

// CommandContext is a command bound to the epoch and actors of the barrier
// carrying it.
type CommandContext struct {
	info      *BarrierActorInfo
	prevEpoch base.Epoch
	currEpoch base.Epoch
	command   Command
	env       *env
}

func newCommandContext(
	info *BarrierActorInfo, prev, curr base.Epoch, cmd Command, e *env,
) *CommandContext {
	pair := base.MakeEpochPair(prev, curr)
	return &CommandContext{info: info, prevEpoch: pair.Prev, currEpoch: pair.Curr, command: cmd, env: e}
}

// PrevEpoch returns the epoch the barrier closes.
func (c *CommandContext) PrevEpoch() base.Epoch { return c.prevEpoch }

// CurrEpoch returns the epoch the barrier opens.
func (c *CommandContext) CurrEpoch() base.Epoch { return c.currEpoch }

// Command returns the command.
func (c *CommandContext) Command() Command { return c.command }

// ToMutation returns the mutation carried by the barrier.
func (c *CommandContext) ToMutation() (*streampb.Mutation, error) {
	switch c.command.Kind {
	case CommandPlain:
		return c.command.Mutation, nil
	case CommandCreateMaterializedView:
		return &streampb.Mutation{Add: &streampb.AddMutation{
			ActorDispatchers: c.command.Dispatchers,
			ActorSplits:      c.command.InitSplitAssignment,
		}}, nil
	case CommandDropMaterializedView:
		t, err := c.env.fragments.TableFragments(c.command.TableID)
		if err != nil {
			return nil, err
		}
		return &streampb.Mutation{Stop: &streampb.StopMutation{Actors: t.ActorIDs()}}, nil
	}
	return nil, errors.AssertionFailedf("unknown command kind %d", c.command.Kind)
}

// ActorsToTrack returns the chain actors whose backfill the command waits
// for before it is finished.
func (c *CommandContext) ActorsToTrack() []streampb.ActorID {
	if c.command.Kind != CommandCreateMaterializedView {
		return nil
	}
	return c.command.TableFragments.ChainActorIDs()
}

// PostCollect applies the side effects of the command once its barrier is
// collected and committed.
func (c *CommandContext) PostCollect(ctx context.Context) error {
	switch c.command.Kind {
	case CommandCreateMaterializedView:
		return c.env.fragments.FinishCreateTableFragments(ctx, c.command.TableFragments.TableID)

	case CommandDropMaterializedView:
		t, err := c.env.fragments.TableFragments(c.command.TableID)
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		for w, actors := range t.WorkerActors() {
			node, ok := c.env.cluster.Node(w)
			if !ok {
				// The node is gone; its actors went with it.
				continue
			}
			ids := make([]streampb.ActorID, len(actors))
			for i := range actors {
				ids[i] = actors[i].ActorID
			}
			slices.Sort(ids)
			g.Go(func() error {
				client, err := c.env.clients.Get(gctx, node)
				if err != nil {
					return err
				}
				_, err = client.DropActors(gctx, &streampb.DropActorsRequest{
					RequestID: uuid.NewString(),
					ActorIDs:  ids,
				})
				return errors.Wrapf(err, "dropping actors on worker %d", node.ID)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return c.env.fragments.DropTableFragments(ctx, c.command.TableID)
	}
	return nil
}
