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

	"github.com/pingcap/riskflow/engine/model"
)

// Completion is the outcome of one job submission. Err is set when the job
// could not be executed, e.g. the node is unreachable or timed out.
// Function errors are not submission errors: they are reported per item
// in Result.
type Completion struct {
	Result *model.JobResult
	Err    error
}

// Connection is a connection to one compute node.
type Connection interface {
	// ID identifies the compute node.
	ID() string
	// Submit sends a job for execution without waiting for it. The
	// returned channel receives exactly one Completion. Cancelling ctx
	// abandons the job.
	Submit(ctx context.Context, spec *model.JobSpec) <-chan Completion
	// Healthy reports whether the node is believed to accept jobs.
	Healthy() bool
	// Close releases the connection.
	Close() error
}

func completed(c Completion) <-chan Completion {
	ch := make(chan Completion, 1)
	ch <- c
	return ch
}
