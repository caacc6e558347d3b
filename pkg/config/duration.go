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

package config

import (
	"time"

	"github.com/pingcap/errors"
)

// TomlDuration is a time.Duration which can be decoded from "1m30s" like
// strings in toml and json.
type TomlDuration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *TomlDuration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotatef(err, "parse duration %q", text)
	}
	*d = TomlDuration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d TomlDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
