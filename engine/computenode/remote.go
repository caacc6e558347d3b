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
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/model"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RemoteNode is a Connection to a compute node served over gRPC.
type RemoteNode struct {
	id   string
	addr string
	conn *grpc.ClientConn

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// DialRemoteNode creates a connection to the compute node at addr. It does
// not wait for the connection to be established.
func DialRemoteNode(id, addr string, opts ...grpc.DialOption) (*RemoteNode, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(grpcClientMetrics.UnaryClientInterceptor()),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &RemoteNode{id: id, addr: addr, conn: conn}, nil
}

// ID implements Connection.
func (r *RemoteNode) ID() string {
	return r.id
}

// Healthy implements Connection.
func (r *RemoteNode) Healthy() bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return false
	}
	switch r.conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	}
	return true
}

// Submit implements Connection.
func (r *RemoteNode) Submit(ctx context.Context, spec *model.JobSpec) <-chan Completion {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return completed(Completion{Err: cerrors.ErrComputeNodeClosed.GenWithStackByArgs(r.id)})
	}

	ch := make(chan Completion, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result := new(model.JobResult)
		err := r.conn.Invoke(ctx, executeFullMethod, spec, result)
		if err != nil {
			ch <- Completion{Err: r.fromStatus(ctx, spec, err)}
			return
		}
		ch <- Completion{Result: result}
	}()
	return ch
}

var _ Pinger = (*RemoteNode)(nil)

// Ping asks the node for its state.
func (r *RemoteNode) Ping(ctx context.Context) (*PingResponse, error) {
	resp := new(PingResponse)
	if err := r.conn.Invoke(ctx, pingFullMethod, &PingRequest{}, resp); err != nil {
		return nil, errors.Trace(err)
	}
	return resp, nil
}

func (r *RemoteNode) fromStatus(ctx context.Context, spec *model.JobSpec, err error) error {
	if ctx.Err() == context.Canceled {
		return errors.Trace(ctx.Err())
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return cerrors.ErrDispatchTimeout.Wrap(err).GenWithStackByArgs(spec.ID(), r.id)
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return cerrors.ErrNodeUnavailable.Wrap(err).GenWithStackByArgs(r.id)
	}
	log.Warn("compute node rejected job",
		zap.String("node-id", r.id),
		zap.String("job", spec.ID()),
		zap.Error(err))
	return errors.Trace(err)
}

// Close implements Connection.
func (r *RemoteNode) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	err := r.conn.Close()
	r.wg.Wait()
	return errors.Trace(err)
}

// GRPCConnectionFactory dials RemoteNodes.
type GRPCConnectionFactory struct {
	DialOptions []grpc.DialOption
}

// NewConnection implements ConnectionFactory.
func (f *GRPCConnectionFactory) NewConnection(id, addr string) (Connection, error) {
	return DialRemoteNode(id, addr, f.DialOptions...)
}
