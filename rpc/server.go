// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"github.com/cockroachdb/hummock/streampb"
	"google.golang.org/grpc"
)

// NewServer returns a gRPC server serving svc.
func NewServer(svc streampb.StreamService, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(append(streampb.ServerOptions(), opts...)...)
	streampb.RegisterStreamServiceServer(s, svc)
	return s
}
