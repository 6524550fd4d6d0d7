// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package streampb

import (
	"context"

	"github.com/cockroachdb/hummock/internal/base"
	"github.com/cockroachdb/hummock/sstable"
	"google.golang.org/grpc"
)

// InjectBarrierRequest injects a barrier into the source actors of a node.
type InjectBarrierRequest struct {
	RequestID         string    `json:"request_id"`
	Barrier           Barrier   `json:"barrier"`
	ActorIDsToSend    []ActorID `json:"actor_ids_to_send"`
	ActorIDsToCollect []ActorID `json:"actor_ids_to_collect"`
}

// InjectBarrierResponse acknowledges an injected barrier.
type InjectBarrierResponse struct {
	RequestID string `json:"request_id"`
}

// BarrierCompleteRequest waits for the collection of the barrier following
// PrevEpoch.
type BarrierCompleteRequest struct {
	RequestID string     `json:"request_id"`
	PrevEpoch base.Epoch `json:"prev_epoch"`
}

// BarrierCompleteResponse returns the tables a node produced for an epoch.
type BarrierCompleteResponse struct {
	RequestID           string                `json:"request_id"`
	WorkerID            WorkerID              `json:"worker_id"`
	SyncedSstables      []sstable.LocalInfo   `json:"synced_sstables"`
	CreateMviewProgress []CreateMviewProgress `json:"create_mview_progress"`
}

// UpdateActorsRequest registers actors on a node before they are built.
type UpdateActorsRequest struct {
	RequestID string        `json:"request_id"`
	Actors    []StreamActor `json:"actors"`
}

// UpdateActorsResponse acknowledges UpdateActorsRequest.
type UpdateActorsResponse struct{}

// BuildActorsRequest builds registered actors.
type BuildActorsRequest struct {
	RequestID string    `json:"request_id"`
	ActorIDs  []ActorID `json:"actor_ids"`
}

// BuildActorsResponse acknowledges BuildActorsRequest.
type BuildActorsResponse struct{}

// DropActorsRequest drops stopped actors.
type DropActorsRequest struct {
	RequestID string    `json:"request_id"`
	ActorIDs  []ActorID `json:"actor_ids"`
}

// DropActorsResponse acknowledges DropActorsRequest.
type DropActorsResponse struct{}

// ForceStopActorsRequest stops every actor of a node and discards its
// uncommitted state.
type ForceStopActorsRequest struct {
	RequestID string `json:"request_id"`
}

// ForceStopActorsResponse acknowledges ForceStopActorsRequest.
type ForceStopActorsResponse struct{}

// BroadcastActorInfoTableRequest tells a node where actors live.
type BroadcastActorInfoTableRequest struct {
	Info []ActorInfo `json:"info"`
}

// BroadcastActorInfoTableResponse acknowledges
// BroadcastActorInfoTableRequest.
type BroadcastActorInfoTableResponse struct{}

// StreamService is the RPC surface of a compute node used by the meta node.
type StreamService interface {
	UpdateActors(context.Context, *UpdateActorsRequest) (*UpdateActorsResponse, error)
	BuildActors(context.Context, *BuildActorsRequest) (*BuildActorsResponse, error)
	BroadcastActorInfoTable(context.Context, *BroadcastActorInfoTableRequest) (*BroadcastActorInfoTableResponse, error)
	DropActors(context.Context, *DropActorsRequest) (*DropActorsResponse, error)
	ForceStopActors(context.Context, *ForceStopActorsRequest) (*ForceStopActorsResponse, error)
	InjectBarrier(context.Context, *InjectBarrierRequest) (*InjectBarrierResponse, error)
	BarrierComplete(context.Context, *BarrierCompleteRequest) (*BarrierCompleteResponse, error)
}

const serviceName = "hummock.stream.StreamService"

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func unaryHandler[Req any, Resp any](
	name string, call func(StreamService, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(
		srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StreamService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(StreamService), ctx, req.(*Req))
		})
	}
}

// ServiceDesc describes the stream service to a gRPC server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateActors", Handler: unaryHandler("UpdateActors", StreamService.UpdateActors)},
		{MethodName: "BuildActors", Handler: unaryHandler("BuildActors", StreamService.BuildActors)},
		{MethodName: "BroadcastActorInfoTable", Handler: unaryHandler("BroadcastActorInfoTable", StreamService.BroadcastActorInfoTable)},
		{MethodName: "DropActors", Handler: unaryHandler("DropActors", StreamService.DropActors)},
		{MethodName: "ForceStopActors", Handler: unaryHandler("ForceStopActors", StreamService.ForceStopActors)},
		{MethodName: "InjectBarrier", Handler: unaryHandler("InjectBarrier", StreamService.InjectBarrier)},
		{MethodName: "BarrierComplete", Handler: unaryHandler("BarrierComplete", StreamService.BarrierComplete)},
	},
}

// RegisterStreamServiceServer registers srv with s. The server must be
// created with the options returned by ServerOptions.
func RegisterStreamServiceServer(s grpc.ServiceRegistrar, srv StreamService) {
	s.RegisterService(&ServiceDesc, srv)
}

type streamServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamServiceClient returns a StreamService issuing calls on cc.
func NewStreamServiceClient(cc grpc.ClientConnInterface) StreamService {
	return &streamServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in interface{}) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, grpc.ForceCodec(Codec)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *streamServiceClient) UpdateActors(
	ctx context.Context, in *UpdateActorsRequest,
) (*UpdateActorsResponse, error) {
	return invoke[UpdateActorsResponse](ctx, c.cc, "UpdateActors", in)
}

func (c *streamServiceClient) BuildActors(
	ctx context.Context, in *BuildActorsRequest,
) (*BuildActorsResponse, error) {
	return invoke[BuildActorsResponse](ctx, c.cc, "BuildActors", in)
}

func (c *streamServiceClient) BroadcastActorInfoTable(
	ctx context.Context, in *BroadcastActorInfoTableRequest,
) (*BroadcastActorInfoTableResponse, error) {
	return invoke[BroadcastActorInfoTableResponse](ctx, c.cc, "BroadcastActorInfoTable", in)
}

func (c *streamServiceClient) DropActors(
	ctx context.Context, in *DropActorsRequest,
) (*DropActorsResponse, error) {
	return invoke[DropActorsResponse](ctx, c.cc, "DropActors", in)
}

func (c *streamServiceClient) ForceStopActors(
	ctx context.Context, in *ForceStopActorsRequest,
) (*ForceStopActorsResponse, error) {
	return invoke[ForceStopActorsResponse](ctx, c.cc, "ForceStopActors", in)
}

func (c *streamServiceClient) InjectBarrier(
	ctx context.Context, in *InjectBarrierRequest,
) (*InjectBarrierResponse, error) {
	return invoke[InjectBarrierResponse](ctx, c.cc, "InjectBarrier", in)
}

func (c *streamServiceClient) BarrierComplete(
	ctx context.Context, in *BarrierCompleteRequest,
) (*BarrierCompleteResponse, error) {
	return invoke[BarrierCompleteResponse](ctx, c.cc, "BarrierComplete", in)
}
