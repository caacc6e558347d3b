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
package dispatcher

import (
	"fmt"

	"github.com/pingcap/riskflow/engine/model"
)

// JobState is the dispatch state of a job in one cycle.
//
//	Waiting -> Pending -> Dispatched -> Completed
//	                 ^         |------> Failed
//	                 |---------|  (transport failure, retried)
//
// Waiting and Pending jobs become Failed without dispatch when a parent
// fails, and any non-terminal job becomes Cancelled when the cycle is
// cancelled.
type JobState int32

// job states
const (
	// JobWaiting means some parent job has not completed yet.
	JobWaiting JobState = iota + 1
	// JobPending means the job may be dispatched once a slot frees.
	JobPending
	// JobDispatched means the job is running on a compute node.
	JobDispatched
	JobCompleted
	JobFailed
	JobCancelled
)

var jobStateNames = map[JobState]string{
	JobWaiting:    "waiting",
	JobPending:    "pending",
	JobDispatched: "dispatched",
	JobCompleted:  "completed",
	JobFailed:     "failed",
	JobCancelled:  "cancelled",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// IsTerminal returns whether the state never changes again.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobEvent is published on every job state transition.
type JobEvent struct {
	RunID string
	Job   model.JobIndex
	State JobState
	// NodeID is the compute node of a dispatched or finished attempt.
	NodeID  string
	Attempt int
	Err     error
}
