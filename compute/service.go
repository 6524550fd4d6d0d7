// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compute

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock"
	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/streampb"
)

// inboxCapacity bounds the barriers queued for an actor.
const inboxCapacity = 64

// Options configure a Service.
type Options struct {
	WorkerID streampb.WorkerID
	// Store is the node-local state store. Required.
	Store *hummock.Store
	// NewActor builds actors. Defaults to DefaultActorFactory.
	NewActor ActorFactory
	Logger   base.Logger
}

// EnsureDefaults fills in default values for unset fields.
func (o *Options) EnsureDefaults() *Options {
	if o.NewActor == nil {
		o.NewActor = DefaultActorFactory
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

type runningActor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the stream service of a compute node.
type Service struct {
	opts     Options
	barriers *LocalBarrierManager
	mu       struct {
		sync.Mutex
		// actors holds the descriptors received by UpdateActors.
		actors    map[streampb.ActorID]streampb.StreamActor
		running   map[streampb.ActorID]*runningActor
		actorInfo map[streampb.ActorID]streampb.HostAddress
	}
}

var _ streampb.StreamService = (*Service)(nil)

// NewService returns a Service.
func NewService(opts Options) *Service {
	s := &Service{opts: *opts.EnsureDefaults(), barriers: NewLocalBarrierManager()}
	s.mu.actors = make(map[streampb.ActorID]streampb.StreamActor)
	s.mu.running = make(map[streampb.ActorID]*runningActor)
	s.mu.actorInfo = make(map[streampb.ActorID]streampb.HostAddress)
	return s
}

// Barriers returns the barrier manager of the node.
func (s *Service) Barriers() *LocalBarrierManager {
	return s.barriers
}

// Store returns the state store of the node.
func (s *Service) Store() *hummock.Store {
	return s.opts.Store
}

// RunningActors returns the number of running actors.
func (s *Service) RunningActors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.running)
}

// UpdateActors implements streampb.StreamService.
func (s *Service) UpdateActors(
	_ context.Context, req *streampb.UpdateActorsRequest,
) (*streampb.UpdateActorsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range req.Actors {
		s.mu.actors[a.ActorID] = a
	}
	return &streampb.UpdateActorsResponse{}, nil
}

// BuildActors implements streampb.StreamService.
func (s *Service) BuildActors(
	_ context.Context, req *streampb.BuildActorsRequest,
) (*streampb.BuildActorsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.ActorIDs {
		if _, ok := s.mu.running[id]; ok {
			continue
		}
		desc, ok := s.mu.actors[id]
		if !ok {
			return nil, errors.Newf("compute: actor %d was not updated before build", id)
		}
		s.startActorLocked(desc)
	}
	return &streampb.BuildActorsResponse{}, nil
}

func (s *Service) startActorLocked(desc streampb.StreamActor) {
	inbox := make(chan streampb.Barrier, inboxCapacity)
	s.barriers.Register(desc.ActorID, inbox)
	actor := s.opts.NewActor(desc, ActorEnv{
		Barriers: s.barriers,
		Store:    s.opts.Store,
		Logger:   s.opts.Logger,
	})
	// Actors outlive the request that built them.
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningActor{cancel: cancel, done: make(chan struct{})}
	s.mu.running[desc.ActorID] = r
	go func() {
		defer close(r.done)
		if err := actor.Run(ctx, inbox); err != nil {
			s.opts.Logger.Errorf("compute: worker %d: actor %d failed: %v", s.opts.WorkerID, desc.ActorID, err)
		}
	}()
}

// stopActors cancels the given actors and waits for them to exit.
func (s *Service) stopActors(ids []streampb.ActorID) {
	var stopping []*runningActor
	s.mu.Lock()
	for _, id := range ids {
		if r, ok := s.mu.running[id]; ok {
			r.cancel()
			stopping = append(stopping, r)
			delete(s.mu.running, id)
		}
		s.barriers.Unregister(id)
	}
	s.mu.Unlock()
	for _, r := range stopping {
		<-r.done
	}
}

// DropActors implements streampb.StreamService.
func (s *Service) DropActors(
	_ context.Context, req *streampb.DropActorsRequest,
) (*streampb.DropActorsResponse, error) {
	s.stopActors(req.ActorIDs)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.ActorIDs {
		delete(s.mu.actors, id)
		delete(s.mu.actorInfo, id)
	}
	return &streampb.DropActorsResponse{}, nil
}

// ForceStopActors implements streampb.StreamService.
func (s *Service) ForceStopActors(
	_ context.Context, _ *streampb.ForceStopActorsRequest,
) (*streampb.ForceStopActorsResponse, error) {
	s.mu.Lock()
	ids := make([]streampb.ActorID, 0, len(s.mu.running))
	for id := range s.mu.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	s.stopActors(ids)

	s.barriers.Reset()
	s.opts.Store.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.mu.actors)
	clear(s.mu.actorInfo)
	s.opts.Logger.Infof("compute: worker %d: stopped %d actors", s.opts.WorkerID, len(ids))
	return &streampb.ForceStopActorsResponse{}, nil
}

// BroadcastActorInfoTable implements streampb.StreamService.
func (s *Service) BroadcastActorInfoTable(
	_ context.Context, req *streampb.BroadcastActorInfoTableRequest,
) (*streampb.BroadcastActorInfoTableResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range req.Info {
		s.mu.actorInfo[info.ActorID] = info.Host
	}
	return &streampb.BroadcastActorInfoTableResponse{}, nil
}

// InjectBarrier implements streampb.StreamService.
func (s *Service) InjectBarrier(
	ctx context.Context, req *streampb.InjectBarrierRequest,
) (*streampb.InjectBarrierResponse, error) {
	if err := s.barriers.SendBarrier(ctx, req.Barrier, req.ActorIDsToSend, req.ActorIDsToCollect); err != nil {
		return nil, errors.Wrapf(err, "worker %d: injecting %s", s.opts.WorkerID, &req.Barrier)
	}
	return &streampb.InjectBarrierResponse{RequestID: req.RequestID}, nil
}

// BarrierComplete implements streampb.StreamService. It waits for the
// barrier following PrevEpoch to be collected and syncs PrevEpoch to the
// object store.
func (s *Service) BarrierComplete(
	ctx context.Context, req *streampb.BarrierCompleteRequest,
) (*streampb.BarrierCompleteResponse, error) {
	progress, err := s.barriers.AwaitCollected(ctx, req.PrevEpoch)
	if err != nil {
		return nil, errors.Wrapf(err, "worker %d: collecting barrier after %s", s.opts.WorkerID, req.PrevEpoch)
	}
	resp := &streampb.BarrierCompleteResponse{
		RequestID:           req.RequestID,
		WorkerID:            s.opts.WorkerID,
		CreateMviewProgress: progress,
	}
	if req.PrevEpoch.IsValid() {
		resp.SyncedSstables, err = s.opts.Store.SyncEpoch(ctx, req.PrevEpoch)
		if err != nil {
			return nil, errors.Wrapf(err, "worker %d", s.opts.WorkerID)
		}
	}
	return resp, nil
}

// Close stops every actor.
func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]streampb.ActorID, 0, len(s.mu.running))
	for id := range s.mu.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	s.stopActors(ids)
}
