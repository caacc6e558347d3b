// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package computenode

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName       = "riskflow.ComputeNode"
	executeFullMethod = "/" + serviceName + "/Execute"
	pingFullMethod    = "/" + serviceName + "/Ping"
)

// PingRequest asks a compute node for its state.
type PingRequest struct{}

// PingResponse is the state of a compute node.
type PingResponse struct {
	NodeID   string `json:"nodeId"`
	Healthy  bool   `json:"healthy"`
	Executed int64  `json:"executed"`
}

// ComputeNodeServer is the server API of a compute node.
type ComputeNodeServer interface {
	Execute(ctx context.Context, spec *model.JobSpec) (*model.JobResult, error)
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
}

// RegisterComputeNodeServer registers srv on s.
func RegisterComputeNodeServer(s *grpc.Server, srv ComputeNodeServer) {
	s.RegisterService(&computeNodeServiceDesc, srv)
}

var computeNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ComputeNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riskflow/computenode",
}

func executeHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(model.JobSpec)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComputeNodeServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComputeNodeServer).Execute(ctx, req.(*model.JobSpec))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComputeNodeServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComputeNodeServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server serves a LocalNode over gRPC.
type Server struct {
	node *LocalNode
}

// NewServer creates a server executing jobs on node.
func NewServer(node *LocalNode) *Server {
	return &Server{node: node}
}

// Execute implements ComputeNodeServer.
func (s *Server) Execute(ctx context.Context, spec *model.JobSpec) (*model.JobResult, error) {
	if !s.node.Healthy() {
		return nil, status.Error(codes.Unavailable, cerrors.ErrComputeNodeClosed.GenWithStackByArgs(s.node.ID()).Error())
	}
	completion := <-s.node.Submit(ctx, spec)
	if completion.Err != nil {
		return nil, toStatus(completion.Err)
	}
	return completion.Result, nil
}

// Ping implements ComputeNodeServer.
func (s *Server) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return &PingResponse{
		NodeID:   s.node.ID(),
		Healthy:  s.node.Healthy(),
		Executed: s.node.Executed(),
	}, nil
}

func toStatus(err error) error {
	switch {
	case cerrors.Is(err, cerrors.ErrComputeNodeClosed):
		return status.Error(codes.Unavailable, err.Error())
	case cerrors.Is(err, cerrors.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.FromContextError(errors.Cause(err)).Err()
}
