// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rpc connects the meta node to the stream service of compute nodes.
package rpc

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/hummock/streampb"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownNode is returned for nodes a pool cannot reach.
var ErrUnknownNode = errors.New("hummock: unknown worker node")

// ClientPool hands out stream service clients for worker nodes.
type ClientPool interface {
	// Get returns a client for node. Clients are cached per node id.
	Get(ctx context.Context, node streampb.WorkerNode) (streampb.StreamService, error)
	// Invalidate drops the cached client of a node.
	Invalidate(id streampb.WorkerID)
	Close() error
}

type conn struct {
	cc *grpc.ClientConn
	streampb.StreamService
}

// GRPCPool is a ClientPool dialing compute nodes over gRPC.
type GRPCPool struct {
	dialOpts []grpc.DialOption
	dials    singleflight.Group
	// conns maintains a client per node id.
	conns sync.Map
}

var _ ClientPool = (*GRPCPool)(nil)

// NewGRPCPool returns a pool dialing with opts. Connections are insecure
// unless opts provide transport credentials.
func NewGRPCPool(opts ...grpc.DialOption) *GRPCPool {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return &GRPCPool{dialOpts: dialOpts}
}

// Get implements ClientPool.
func (p *GRPCPool) Get(ctx context.Context, node streampb.WorkerNode) (streampb.StreamService, error) {
	if c, ok := p.conns.Load(node.ID); ok {
		return c.(*conn), nil
	}
	v, err, _ := p.dials.Do(strconv.FormatUint(uint64(node.ID), 10), func() (interface{}, error) {
		if c, ok := p.conns.Load(node.ID); ok {
			return c, nil
		}
		addr := net.JoinHostPort(node.Host.Host, strconv.Itoa(int(node.Host.Port)))
		cc, err := grpc.DialContext(ctx, addr, p.dialOpts...)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing worker %d at %s", node.ID, addr)
		}
		c := &conn{cc: cc, StreamService: streampb.NewStreamServiceClient(cc)}
		p.conns.Store(node.ID, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

// Invalidate implements ClientPool.
func (p *GRPCPool) Invalidate(id streampb.WorkerID) {
	if c, ok := p.conns.LoadAndDelete(id); ok {
		_ = c.(*conn).cc.Close()
	}
}

// Close implements ClientPool.
func (p *GRPCPool) Close() error {
	var err error
	p.conns.Range(func(key, value interface{}) bool {
		err = errors.CombineErrors(err, value.(*conn).cc.Close())
		p.conns.Delete(key)
		return true
	})
	return err
}

// LocalPool is a ClientPool of in-process services.
type LocalPool struct {
	mu       sync.Mutex
	services map[streampb.WorkerID]streampb.StreamService
}

var _ ClientPool = (*LocalPool)(nil)

// NewLocalPool returns an empty LocalPool.
func NewLocalPool() *LocalPool {
	return &LocalPool{services: make(map[streampb.WorkerID]streampb.StreamService)}
}

// Register makes svc the client of node id.
func (p *LocalPool) Register(id streampb.WorkerID, svc streampb.StreamService) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[id] = svc
}

// Get implements ClientPool.
func (p *LocalPool) Get(_ context.Context, node streampb.WorkerNode) (streampb.StreamService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[node.ID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "worker %d", node.ID)
	}
	return svc, nil
}

// Invalidate implements ClientPool. Local services stay registered.
func (p *LocalPool) Invalidate(streampb.WorkerID) {}

// Close implements ClientPool.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.services)
	return nil
}
