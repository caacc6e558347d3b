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

package errors

import (
	"github.com/pingcap/errors"
)

// all riskflow scheduler errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("RFLOW:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("RFLOW:ErrInvalidArgument"),
	)
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option: %s",
		errors.RFCCodeText("RFLOW:ErrInvalidServerOption"),
	)
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("RFLOW:ErrReachMaxTry"),
	)
	ErrAsyncPoolExited = errors.Normalize(
		"asyncPool has exited. Report a bug if seen externally.",
		errors.RFCCodeText("RFLOW:ErrAsyncPoolExited"),
	)

	// plan build errors
	ErrInvalidConfiguration = errors.Normalize(
		"invalid partitioning configuration: %s",
		errors.RFCCodeText("RFLOW:ErrInvalidConfiguration"),
	)
	ErrCyclicGraph = errors.Normalize(
		"dependency graph %s contains a cycle through node %s",
		errors.RFCCodeText("RFLOW:ErrCyclicGraph"),
	)
	ErrUnknownNode = errors.Normalize(
		"node %s references unknown input node %s",
		errors.RFCCodeText("RFLOW:ErrUnknownNode"),
	)
	ErrDuplicateNode = errors.Normalize(
		"node %s is already in the graph",
		errors.RFCCodeText("RFLOW:ErrDuplicateNode"),
	)
	ErrPlanCorrupted = errors.Normalize(
		"execution plan is corrupted: %s",
		errors.RFCCodeText("RFLOW:ErrPlanCorrupted"),
	)
	ErrPlanMismatch = errors.Normalize(
		"execution plan does not match graph %s: %s",
		errors.RFCCodeText("RFLOW:ErrPlanMismatch"),
	)
	ErrPlanDecode = errors.Normalize(
		"failed to decode execution plan",
		errors.RFCCodeText("RFLOW:ErrPlanDecode"),
	)

	// dispatch errors
	ErrDispatchTimeout = errors.Normalize(
		"job %s timed out on compute node %s",
		errors.RFCCodeText("RFLOW:ErrDispatchTimeout"),
	)
	ErrNodeUnavailable = errors.Normalize(
		"compute node %s is unavailable",
		errors.RFCCodeText("RFLOW:ErrNodeUnavailable"),
	)
	ErrNoAvailableNode = errors.Normalize(
		"no compute node is available for job %s",
		errors.RFCCodeText("RFLOW:ErrNoAvailableNode"),
	)
	ErrNodeAlreadyExists = errors.Normalize(
		"compute node %s already exists",
		errors.RFCCodeText("RFLOW:ErrNodeAlreadyExists"),
	)
	ErrNodeNotFound = errors.Normalize(
		"compute node %s is not found",
		errors.RFCCodeText("RFLOW:ErrNodeNotFound"),
	)
	ErrCycleCanceled = errors.Normalize(
		"calculation cycle %s is canceled",
		errors.RFCCodeText("RFLOW:ErrCycleCanceled"),
	)

	// compute node errors
	ErrFunctionExecutionFailure = errors.Normalize(
		"function %s failed on target %s: %s",
		errors.RFCCodeText("RFLOW:ErrFunctionExecutionFailure"),
	)
	ErrUnknownFunction = errors.Normalize(
		"function %s is not registered",
		errors.RFCCodeText("RFLOW:ErrUnknownFunction"),
	)
	ErrComputeNodeClosed = errors.Normalize(
		"compute node %s is closed",
		errors.RFCCodeText("RFLOW:ErrComputeNodeClosed"),
	)
)
