// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package streampb defines the messages exchanged between the meta node and
// compute nodes, and the gRPC descriptor of the stream service carrying them.
package streampb

import (
	"fmt"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/redact"
)

// ActorID identifies a streaming actor.
type ActorID uint32

// FragmentID identifies a fragment of a streaming job.
type FragmentID uint32

// TableID identifies a materialized view or table.
type TableID uint32

// WorkerID identifies a worker node.
type WorkerID uint32

// SourceID identifies a source.
type SourceID uint32

// WorkerType is the role of a worker node.
type WorkerType uint8

const (
	WorkerTypeUnspecified WorkerType = iota
	WorkerTypeFrontend
	WorkerTypeComputeNode
	WorkerTypeCompactor
)

// String implements fmt.Stringer.
func (t WorkerType) String() string {
	switch t {
	case WorkerTypeFrontend:
		return "frontend"
	case WorkerTypeComputeNode:
		return "compute-node"
	case WorkerTypeCompactor:
		return "compactor"
	}
	return "unspecified"
}

// WorkerState is the lifecycle state of a worker node.
type WorkerState uint8

const (
	WorkerStateUnspecified WorkerState = iota
	WorkerStateStarting
	WorkerStateRunning
)

// String implements fmt.Stringer.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateStarting:
		return "starting"
	case WorkerStateRunning:
		return "running"
	}
	return "unspecified"
}

// HostAddress is the RPC address of a worker node.
type HostAddress struct {
	Host string `json:"host"`
	Port int32  `json:"port"`
}

// String implements fmt.Stringer.
func (a HostAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// WorkerNode is a registered worker node.
type WorkerNode struct {
	ID    WorkerID    `json:"id"`
	Type  WorkerType  `json:"type"`
	Host  HostAddress `json:"host"`
	State WorkerState `json:"state"`
}

// DispatcherType is the way an actor routes its output downstream.
type DispatcherType uint8

const (
	DispatcherHash DispatcherType = iota
	DispatcherBroadcast
	DispatcherSimple
	DispatcherNoShuffle
)

// Dispatcher routes the output of an actor to downstream actors.
type Dispatcher struct {
	Type               DispatcherType `json:"type"`
	DispatcherID       uint64         `json:"dispatcher_id"`
	DownstreamActorIDs []ActorID      `json:"downstream_actor_ids"`
}

// Split is a partition of a source assigned to a source actor.
type Split struct {
	ID     string `json:"id"`
	Offset string `json:"offset,omitempty"`
}

// StopMutation stops actors.
type StopMutation struct {
	Actors []ActorID `json:"actors"`
}

// AddMutation adds dispatchers to existing actors and assigns splits to new
// source actors.
type AddMutation struct {
	ActorDispatchers map[ActorID][]Dispatcher `json:"actor_dispatchers,omitempty"`
	ActorSplits      map[ActorID][]Split      `json:"actor_splits,omitempty"`
}

// SourceChangeSplitMutation reassigns source splits.
type SourceChangeSplitMutation struct {
	ActorSplits map[ActorID][]Split `json:"actor_splits"`
}

// Mutation is a configuration change riding along with a barrier. At most
// one field is set.
type Mutation struct {
	Stop   *StopMutation              `json:"stop,omitempty"`
	Add    *AddMutation               `json:"add,omitempty"`
	Splits *SourceChangeSplitMutation `json:"splits,omitempty"`
}

// String implements fmt.Stringer.
func (m *Mutation) String() string {
	switch {
	case m == nil:
		return "none"
	case m.Stop != nil:
		return fmt.Sprintf("stop%v", m.Stop.Actors)
	case m.Add != nil:
		return fmt.Sprintf("add(%d dispatchers, %d splits)", len(m.Add.ActorDispatchers), len(m.Add.ActorSplits))
	case m.Splits != nil:
		return fmt.Sprintf("change-splits(%d actors)", len(m.Splits.ActorSplits))
	}
	return "empty"
}

// Barrier marks an epoch boundary in the input of an actor.
type Barrier struct {
	Epoch    base.EpochPair `json:"epoch"`
	Mutation *Mutation      `json:"mutation,omitempty"`
}

// IsStop returns true if the barrier stops actor.
func (b *Barrier) IsStop(actor ActorID) bool {
	if b.Mutation == nil || b.Mutation.Stop == nil {
		return false
	}
	for _, a := range b.Mutation.Stop.Actors {
		if a == actor {
			return true
		}
	}
	return false
}

// SafeFormat implements redact.SafeFormatter.
func (b *Barrier) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("barrier %s", b.Epoch.Curr)
	if b.Mutation != nil {
		w.Printf(" %s", redact.SafeString(b.Mutation.String()))
	}
}

// String implements fmt.Stringer.
func (b *Barrier) String() string {
	return redact.StringWithoutMarkers(b)
}

// StreamActor describes an actor to build on a compute node.
type StreamActor struct {
	ActorID          ActorID      `json:"actor_id"`
	FragmentID       FragmentID   `json:"fragment_id"`
	TableID          TableID      `json:"table_id"`
	Dispatchers      []Dispatcher `json:"dispatchers,omitempty"`
	UpstreamActorIDs []ActorID    `json:"upstream_actor_ids,omitempty"`
	// IsSource is set for actors reading a source; barriers are injected
	// into them.
	IsSource bool `json:"is_source,omitempty"`
	// IsChain is set for actors backfilling a materialized view from its
	// upstream snapshot.
	IsChain bool `json:"is_chain,omitempty"`
}

// ActorInfo locates an actor.
type ActorInfo struct {
	ActorID ActorID     `json:"actor_id"`
	Host    HostAddress `json:"host"`
}

// CreateMviewProgress is the backfill progress of a chain actor.
type CreateMviewProgress struct {
	ChainActorID  ActorID    `json:"chain_actor_id"`
	Done          bool       `json:"done"`
	ConsumedEpoch base.Epoch `json:"consumed_epoch"`
}
