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

package model

import (
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
)

// EncodePlan serializes a plan into a stable JSON payload.
func EncodePlan(plan *ExecutionPlan) ([]byte, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// DecodePlan parses a payload produced by EncodePlan and validates it.
func DecodePlan(data []byte) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return nil, cerrors.WrapError(cerrors.ErrPlanDecode, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return plan, nil
}
