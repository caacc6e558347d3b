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
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/computenode"
	"github.com/pingcap/riskflow/engine/costmodel"
	"github.com/pingcap/riskflow/engine/dispatcher"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/plancache"
	"github.com/pingcap/riskflow/engine/scheduler"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/logutil"
)

const (
	defaultMetricsAddr    = "127.0.0.1:9270"
	defaultLocalSlots     = 4
	maxWorkerPoolSize     = 1024
	maxPlanCacheCapacity  = 1 << 20
	defaultCostClassLight = "light"
	defaultCostClassHeavy = "heavy"
)

// PartitionConfig bounds the jobs a dependency graph is partitioned into.
type PartitionConfig struct {
	MinJobItems    int          `toml:"min-job-items" json:"min-job-items"`
	MaxJobItems    int          `toml:"max-job-items" json:"max-job-items"`
	MinJobCost     TomlDuration `toml:"min-job-cost" json:"min-job-cost"`
	MaxJobCost     TomlDuration `toml:"max-job-cost" json:"max-job-cost"`
	MaxConcurrency int          `toml:"max-concurrency" json:"max-concurrency"`
}

// CostModelConfig configures the function cost model.
type CostModelConfig struct {
	DefaultEstimate TomlDuration `toml:"default-estimate" json:"default-estimate"`
	Alpha           float64      `toml:"alpha" json:"alpha"`
	// ClassDefaults is the cold start estimate of each cost class.
	ClassDefaults map[string]TomlDuration `toml:"class-defaults" json:"class-defaults"`
	// Functions maps function ids to their cost class.
	Functions map[string]string `toml:"functions" json:"functions"`
}

// DispatcherConfig configures how jobs are sent to compute nodes.
type DispatcherConfig struct {
	RetryLimit      int          `toml:"retry-limit" json:"retry-limit"`
	DispatchTimeout TomlDuration `toml:"dispatch-timeout" json:"dispatch-timeout"`
	RetryInterval   TomlDuration `toml:"retry-interval" json:"retry-interval"`
	NoNodeTimeout   TomlDuration `toml:"no-node-timeout" json:"no-node-timeout"`
	RateLimit       float64      `toml:"rate-limit" json:"rate-limit"`
	RateBurst       int          `toml:"rate-burst" json:"rate-burst"`
	WorkerPoolSize  int          `toml:"worker-pool-size" json:"worker-pool-size"`
}

// BackoffConfig configures how long a failing compute node is skipped.
type BackoffConfig struct {
	InitialInterval     TomlDuration `toml:"initial-interval" json:"initial-interval"`
	MaxInterval         TomlDuration `toml:"max-interval" json:"max-interval"`
	Multiplier          float64      `toml:"multiplier" json:"multiplier"`
	RandomizationFactor float64      `toml:"randomization-factor" json:"randomization-factor"`
	ResetInterval       TomlDuration `toml:"reset-interval" json:"reset-interval"`
	MaxFailures         int          `toml:"max-failures" json:"max-failures"`
	HealthCheckInterval TomlDuration `toml:"health-check-interval" json:"health-check-interval"`
}

// SchedulerConfig is the config of a riskflow scheduler process.
type SchedulerConfig struct {
	LogConfig   *logutil.Config `toml:"log" json:"log"`
	MetricsAddr string          `toml:"metrics-addr" json:"metrics-addr"`

	// ComputeNodes maps compute node ids to their addresses. When it is
	// empty, jobs run on an in-process compute node with LocalSlots slots.
	ComputeNodes map[string]string `toml:"compute-nodes" json:"compute-nodes"`
	LocalSlots   int               `toml:"local-slots" json:"local-slots"`

	PlanCacheCapacity int               `toml:"plan-cache-capacity" json:"plan-cache-capacity"`
	Partition         *PartitionConfig  `toml:"partition" json:"partition"`
	CostModel         *CostModelConfig  `toml:"cost-model" json:"cost-model"`
	Dispatcher        *DispatcherConfig `toml:"dispatcher" json:"dispatcher"`
	NodeBackoff       *BackoffConfig    `toml:"node-backoff" json:"node-backoff"`
}

// GetDefaultSchedulerConfig returns the default scheduler config.
func GetDefaultSchedulerConfig() *SchedulerConfig {
	params := model.DefaultPartitionParams()
	dispatcherCfg := dispatcher.NewDefaultConfig()
	backoffCfg := computenode.NewDefaultBackoffConfig()
	return &SchedulerConfig{
		LogConfig:         logutil.DefaultConfig(),
		MetricsAddr:       defaultMetricsAddr,
		ComputeNodes:      map[string]string{},
		LocalSlots:        defaultLocalSlots,
		PlanCacheCapacity: plancache.DefaultCapacity,
		Partition: &PartitionConfig{
			MinJobItems:    params.MinItems,
			MaxJobItems:    params.MaxItems,
			MinJobCost:     TomlDuration(params.MinCost),
			MaxJobCost:     TomlDuration(params.MaxCost),
			MaxConcurrency: params.MaxConcurrency,
		},
		CostModel: &CostModelConfig{
			DefaultEstimate: TomlDuration(costmodel.DefaultEstimate),
			Alpha:           costmodel.DefaultAlpha,
			ClassDefaults: map[string]TomlDuration{
				defaultCostClassLight: TomlDuration(100 * time.Microsecond),
				defaultCostClassHeavy: TomlDuration(100 * time.Millisecond),
			},
			Functions: map[string]string{},
		},
		Dispatcher: &DispatcherConfig{
			RetryLimit:      dispatcherCfg.RetryLimit,
			DispatchTimeout: TomlDuration(dispatcherCfg.DispatchTimeout),
			RetryInterval:   TomlDuration(dispatcherCfg.RetryInterval),
			NoNodeTimeout:   TomlDuration(dispatcherCfg.NoNodeTimeout),
			WorkerPoolSize:  dispatcherCfg.WorkerPoolSize,
		},
		NodeBackoff: &BackoffConfig{
			InitialInterval:     TomlDuration(backoffCfg.InitialInterval),
			MaxInterval:         TomlDuration(backoffCfg.MaxInterval),
			Multiplier:          backoffCfg.Multiplier,
			RandomizationFactor: backoffCfg.RandomizationFactor,
			ResetInterval:       TomlDuration(backoffCfg.ResetInterval),
			MaxFailures:         backoffCfg.MaxFailures,
			HealthCheckInterval: TomlDuration(backoffCfg.HealthCheckInterval),
		},
	}
}

// Marshal returns the json marshal format of a SchedulerConfig.
func (c *SchedulerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerrors.WrapError(cerrors.ErrInvalidServerOption, err, "marshal scheduler config")
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *SchedulerConfig from json marshal byte slice.
func (c *SchedulerConfig) Unmarshal(data []byte) error {
	return json.Unmarshal(data, c)
}

// Clone clones a SchedulerConfig.
func (c *SchedulerConfig) Clone() *SchedulerConfig {
	str, err := c.Marshal()
	if err != nil {
		panic(err)
	}
	clone := new(SchedulerConfig)
	if err := clone.Unmarshal([]byte(str)); err != nil {
		panic(err)
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the config. Zero values are
// replaced with defaults.
func (c *SchedulerConfig) ValidateAndAdjust() error {
	defaultCfg := GetDefaultSchedulerConfig()

	if c.LogConfig == nil {
		c.LogConfig = defaultCfg.LogConfig
	}
	c.LogConfig.Adjust()

	if c.LocalSlots < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("local-slots must not be negative")
	}
	if c.LocalSlots == 0 {
		c.LocalSlots = defaultCfg.LocalSlots
	}
	for id, addr := range c.ComputeNodes {
		if id == "" || addr == "" {
			return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
				fmt.Sprintf("compute node %q has an empty id or address %q", id, addr))
		}
	}

	if c.PlanCacheCapacity <= 0 {
		c.PlanCacheCapacity = defaultCfg.PlanCacheCapacity
	}
	if c.PlanCacheCapacity > maxPlanCacheCapacity {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			fmt.Sprintf("plan-cache-capacity is larger than %d", maxPlanCacheCapacity))
	}

	if c.Partition == nil {
		c.Partition = defaultCfg.Partition
	}
	if err := c.PartitionParams().Validate(); err != nil {
		return errors.Trace(err)
	}

	if err := c.validateCostModel(defaultCfg.CostModel); err != nil {
		return err
	}
	if err := c.validateDispatcher(defaultCfg.Dispatcher); err != nil {
		return err
	}
	return c.validateBackoff(defaultCfg.NodeBackoff)
}

func (c *SchedulerConfig) validateCostModel(defaultCfg *CostModelConfig) error {
	if c.CostModel == nil {
		c.CostModel = defaultCfg
		return nil
	}
	if c.CostModel.DefaultEstimate < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("cost-model.default-estimate must not be negative")
	}
	if c.CostModel.DefaultEstimate == 0 {
		c.CostModel.DefaultEstimate = defaultCfg.DefaultEstimate
	}
	if c.CostModel.Alpha < 0 || c.CostModel.Alpha > 1 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("cost-model.alpha must be in (0, 1]")
	}
	if c.CostModel.Alpha == 0 {
		c.CostModel.Alpha = defaultCfg.Alpha
	}
	for class, d := range c.CostModel.ClassDefaults {
		if d <= 0 {
			return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
				fmt.Sprintf("cost class %s has a non-positive default %s", class, time.Duration(d)))
		}
	}
	for fn, class := range c.CostModel.Functions {
		if _, ok := c.CostModel.ClassDefaults[class]; !ok {
			return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
				fmt.Sprintf("function %s refers to unknown cost class %s", fn, class))
		}
	}
	return nil
}

func (c *SchedulerConfig) validateDispatcher(defaultCfg *DispatcherConfig) error {
	if c.Dispatcher == nil {
		c.Dispatcher = defaultCfg
		return nil
	}
	d := c.Dispatcher
	if d.RetryLimit < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("dispatcher.retry-limit must not be negative")
	}
	if d.DispatchTimeout < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("dispatcher.dispatch-timeout must not be negative")
	}
	if d.RetryInterval <= 0 {
		d.RetryInterval = defaultCfg.RetryInterval
	}
	if d.NoNodeTimeout <= 0 {
		d.NoNodeTimeout = defaultCfg.NoNodeTimeout
	}
	if d.RateLimit < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("dispatcher.rate-limit must not be negative")
	}
	if d.RateLimit > 0 && d.RateBurst <= 0 {
		d.RateBurst = 1
	}
	if d.WorkerPoolSize <= 0 {
		d.WorkerPoolSize = defaultCfg.WorkerPoolSize
	}
	if d.WorkerPoolSize > maxWorkerPoolSize {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			fmt.Sprintf("dispatcher.worker-pool-size is larger than %d", maxWorkerPoolSize))
	}
	return nil
}

func (c *SchedulerConfig) validateBackoff(defaultCfg *BackoffConfig) error {
	if c.NodeBackoff == nil {
		c.NodeBackoff = defaultCfg
		return nil
	}
	b := c.NodeBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultCfg.InitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultCfg.MaxInterval
	}
	if b.MaxInterval < b.InitialInterval {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			"node-backoff.max-interval is less than node-backoff.initial-interval")
	}
	if b.Multiplier < 1 {
		b.Multiplier = defaultCfg.Multiplier
	}
	if b.RandomizationFactor < 0 || b.RandomizationFactor >= 1 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			"node-backoff.randomization-factor must be in [0, 1)")
	}
	if b.ResetInterval <= 0 {
		b.ResetInterval = defaultCfg.ResetInterval
	}
	if b.MaxFailures < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs("node-backoff.max-failures must not be negative")
	}
	if b.HealthCheckInterval <= 0 {
		b.HealthCheckInterval = defaultCfg.HealthCheckInterval
	}
	return nil
}

// PartitionParams returns the partitioning parameters of the config.
func (c *SchedulerConfig) PartitionParams() model.PartitionParams {
	return model.PartitionParams{
		MinItems:       c.Partition.MinJobItems,
		MaxItems:       c.Partition.MaxJobItems,
		MinCost:        time.Duration(c.Partition.MinJobCost),
		MaxCost:        time.Duration(c.Partition.MaxJobCost),
		MaxConcurrency: c.Partition.MaxConcurrency,
	}
}

// ToSchedulerConfig converts the config into a scheduler.Config. The config
// must have been adjusted.
func (c *SchedulerConfig) ToSchedulerConfig() scheduler.Config {
	var registry *costmodel.CostClassRegistry
	if len(c.CostModel.ClassDefaults) > 0 {
		registry = costmodel.NewCostClassRegistry()
		for class, d := range c.CostModel.ClassDefaults {
			registry.SetClassDefault(class, time.Duration(d))
		}
		for fn, class := range c.CostModel.Functions {
			registry.Register(model.FunctionID(fn), class)
		}
	}
	return scheduler.Config{
		Params:            c.PartitionParams(),
		PlanCacheCapacity: c.PlanCacheCapacity,
		CostModel: costmodel.Config{
			DefaultEstimate: time.Duration(c.CostModel.DefaultEstimate),
			Alpha:           c.CostModel.Alpha,
			Registry:        registry,
		},
		Dispatcher: dispatcher.Config{
			RetryLimit:      c.Dispatcher.RetryLimit,
			DispatchTimeout: time.Duration(c.Dispatcher.DispatchTimeout),
			RetryInterval:   time.Duration(c.Dispatcher.RetryInterval),
			NoNodeTimeout:   time.Duration(c.Dispatcher.NoNodeTimeout),
			RateLimit:       c.Dispatcher.RateLimit,
			RateBurst:       c.Dispatcher.RateBurst,
			WorkerPoolSize:  c.Dispatcher.WorkerPoolSize,
		},
	}
}

// ToBackoffConfig converts the node backoff config for a computenode.Pool.
func (c *SchedulerConfig) ToBackoffConfig() *computenode.BackoffConfig {
	return &computenode.BackoffConfig{
		InitialInterval:     time.Duration(c.NodeBackoff.InitialInterval),
		MaxInterval:         time.Duration(c.NodeBackoff.MaxInterval),
		Multiplier:          c.NodeBackoff.Multiplier,
		RandomizationFactor: c.NodeBackoff.RandomizationFactor,
		ResetInterval:       time.Duration(c.NodeBackoff.ResetInterval),
		MaxFailures:         c.NodeBackoff.MaxFailures,
		HealthCheckInterval: time.Duration(c.NodeBackoff.HealthCheckInterval),
	}
}
