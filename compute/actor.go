// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compute

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/sharedbuffer"
	"github.com/cockroachdb/hummock/sstable/block"
	"github.com/cockroachdb/hummock/streampb"
)

// Actor is a unit of the streaming dataflow running on a compute node.
type Actor interface {
	// Run processes barriers from inbox until the actor is stopped by a
	// barrier or ctx is canceled.
	Run(ctx context.Context, inbox <-chan streampb.Barrier) error
}

// ActorFactory builds the actor described by desc.
type ActorFactory func(desc streampb.StreamActor, env ActorEnv) Actor

// ActorEnv is what an actor needs from its node.
type ActorEnv struct {
	Barriers *LocalBarrierManager
	Store    *hummock.Store
	Logger   base.Logger
}

// WriterSchema is the schema of the rows written by WriterActor.
var WriterSchema = block.Schema{block.ColumnTypeInt64, block.ColumnTypeVarchar}

// WriterSchemas resolves every key to WriterSchema.
func WriterSchemas([]byte) block.Schema { return WriterSchema }

// WriterActor writes RowsPerEpoch deterministic rows for every epoch it
// sees and collects each barrier. Chain actors additionally report backfill
// progress, finishing after BackfillEpochs barriers.
type WriterActor struct {
	Desc           streampb.StreamActor
	Env            ActorEnv
	RowsPerEpoch   int
	BackfillEpochs int
}

var _ Actor = (*WriterActor)(nil)

// DefaultActorFactory builds WriterActors.
func DefaultActorFactory(desc streampb.StreamActor, env ActorEnv) Actor {
	return &WriterActor{Desc: desc, Env: env, RowsPerEpoch: 8, BackfillEpochs: 2}
}

// rows returns the rows the actor writes at epoch. Keys are prefixed with
// the table and actor so actors never overwrite each other.
func (w *WriterActor) rows(epoch base.Epoch) []sharedbuffer.Entry {
	entries := make([]sharedbuffer.Entry, w.RowsPerEpoch)
	for i := range entries {
		key := fmt.Sprintf("t%04d/a%06d/%04d", w.Desc.TableID, w.Desc.ActorID, i)
		row := block.Row{
			block.DatumInt64(int64(i)),
			block.DatumString(fmt.Sprintf("epoch-%d", epoch)),
		}
		entries[i] = sharedbuffer.Entry{
			Key:   []byte(key),
			Value: base.PutValue(block.MustEncodeRow(WriterSchema, row)),
		}
	}
	return entries
}

// Run implements Actor.
func (w *WriterActor) Run(ctx context.Context, inbox <-chan streampb.Barrier) error {
	seen := 0
	for {
		var b streampb.Barrier
		select {
		case <-ctx.Done():
			return nil
		case b = <-inbox:
		}
		// Data written before a barrier belongs to its prev epoch. The first
		// barrier after a build carries an epoch the actor never wrote in.
		if seen > 0 && w.RowsPerEpoch > 0 {
			if err := w.Env.Store.Ingest(b.Epoch.Prev, w.rows(b.Epoch.Prev)); err != nil {
				return errors.Wrapf(err, "actor %d", w.Desc.ActorID)
			}
		}
		seen++
		if w.Desc.IsChain {
			w.Env.Barriers.ReportProgress(b.Epoch.Prev, streampb.CreateMviewProgress{
				ChainActorID:  w.Desc.ActorID,
				Done:          seen > w.BackfillEpochs,
				ConsumedEpoch: b.Epoch.Curr,
			})
		}
		w.Env.Barriers.Collect(w.Desc.ActorID, b)
		if b.IsStop(w.Desc.ActorID) {
			return nil
		}
	}
}
