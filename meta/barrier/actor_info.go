// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package barrier

import (
	"cmp"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/hummock/meta/cluster"
	"github.com/cockroachdb/hummock/streampb"
)

// BarrierActorInfo is the set of actors, per node, a barrier is sent to and
// collected from.
type BarrierActorInfo struct {
	nodes     map[streampb.WorkerID]streampb.WorkerNode
	toSend    map[streampb.WorkerID]*roaring.Bitmap
	toCollect map[streampb.WorkerID]*roaring.Bitmap
}

func toBitmaps(
	nodes map[streampb.WorkerID]streampb.WorkerNode, actors map[streampb.WorkerID][]streampb.ActorID,
) map[streampb.WorkerID]*roaring.Bitmap {
	res := make(map[streampb.WorkerID]*roaring.Bitmap, len(nodes))
	for id := range nodes {
		bm := roaring.New()
		for _, a := range actors[id] {
			bm.Add(uint32(a))
		}
		res[id] = bm
	}
	return res
}

// ResolveActorInfo builds the actor info of nodes from the actors loaded by
// the fragment manager. Actors on nodes outside nodes are ignored.
func ResolveActorInfo(nodes []streampb.WorkerNode, infos cluster.ActorInfos) *BarrierActorInfo {
	byID := make(map[streampb.WorkerID]streampb.WorkerNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return &BarrierActorInfo{
		nodes:     byID,
		toSend:    toBitmaps(byID, infos.BarrierInjectActorMaps),
		toCollect: toBitmaps(byID, infos.ActorMaps),
	}
}

// NothingToDo returns true if no actor collects the barrier.
func (i *BarrierActorInfo) NothingToDo() bool {
	for _, bm := range i.toCollect {
		if !bm.IsEmpty() {
			return false
		}
	}
	return true
}

// Nodes returns the nodes ordered by id.
func (i *BarrierActorInfo) Nodes() []streampb.WorkerNode {
	res := make([]streampb.WorkerNode, 0, len(i.nodes))
	for _, n := range i.nodes {
		res = append(res, n)
	}
	slices.SortFunc(res, func(a, b streampb.WorkerNode) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

func toActorIDs(bm *roaring.Bitmap) []streampb.ActorID {
	if bm == nil {
		return nil
	}
	ids := make([]streampb.ActorID, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, streampb.ActorID(it.Next()))
	}
	return ids
}

// ActorsToSend returns the actors of node the barrier is injected into.
func (i *BarrierActorInfo) ActorsToSend(node streampb.WorkerID) []streampb.ActorID {
	return toActorIDs(i.toSend[node])
}

// ActorsToCollect returns the actors of node the barrier is collected from.
func (i *BarrierActorInfo) ActorsToCollect(node streampb.WorkerID) []streampb.ActorID {
	return toActorIDs(i.toCollect[node])
}

// ActorCount returns the number of actors collecting the barrier.
func (i *BarrierActorInfo) ActorCount() uint64 {
	var n uint64
	for _, bm := range i.toCollect {
		n += bm.GetCardinality()
	}
	return n
}
