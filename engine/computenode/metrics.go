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
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

var (
	grpcServerMetrics = grpc_prometheus.NewServerMetrics(func(opts *prometheus.CounterOpts) {
		opts.Namespace = promutil.Namespace
		opts.Subsystem = "compute_node"
	})

	grpcClientMetrics = grpc_prometheus.NewClientMetrics(func(opts *prometheus.CounterOpts) {
		opts.Namespace = promutil.Namespace
		opts.Subsystem = "compute_node"
	})

	initMetricsOnce sync.Once
)

// InitMetrics registers the gRPC request metrics of compute nodes and of
// their clients with the process registry.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		promutil.MustRegister(grpcServerMetrics, grpcClientMetrics)
	})
}

// NewGRPCServer creates a gRPC server exporting node, with request metrics.
func NewGRPCServer(node *LocalNode, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpcServerMetrics.UnaryServerInterceptor()),
	}, opts...)
	server := grpc.NewServer(opts...)
	RegisterComputeNodeServer(server, NewServer(node))
	grpcServerMetrics.InitializeMetrics(server)
	return server
}
