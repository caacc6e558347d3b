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
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype of the compute node protocol. Messages
// are the JSON forms of the model types.
const codecName = "riskflow-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Trace(err)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return errors.Trace(json.Unmarshal(data, v))
}

func (jsonCodec) Name() string {
	return codecName
}
