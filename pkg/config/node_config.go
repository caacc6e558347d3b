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
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/logutil"
)

const defaultNodeAddr = "127.0.0.1:10270"

// NodeConfig is the config of a riskflow compute node process.
type NodeConfig struct {
	LogConfig *logutil.Config `toml:"log" json:"log"`

	ID          string `toml:"id" json:"id"`
	Addr        string `toml:"addr" json:"addr"`
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`
	// Slots bounds the jobs the node executes at the same time.
	// Zero means unbounded.
	Slots int `toml:"slots" json:"slots"`
}

// GetDefaultNodeConfig returns the default compute node config.
func GetDefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		LogConfig: logutil.DefaultConfig(),
		Addr:      defaultNodeAddr,
		Slots:     defaultLocalSlots,
	}
}

// ValidateAndAdjust validates and adjusts the config.
func (c *NodeConfig) ValidateAndAdjust() error {
	if c.LogConfig == nil {
		c.LogConfig = logutil.DefaultConfig()
	}
	c.LogConfig.Adjust()
	if c.Addr == "" {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("addr must not be empty")
	}
	if c.ID == "" {
		c.ID = c.Addr
	}
	if c.Slots < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("slots must not be negative")
	}
	return nil
}
