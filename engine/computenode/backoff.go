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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/log"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"go.uber.org/zap"
)

// BackoffConfig configures how long a compute node is kept out of
// dispatch after transport failures.
type BackoffConfig struct {
	InitialInterval     time.Duration `toml:"initial-interval" json:"initial-interval"`
	MaxInterval         time.Duration `toml:"max-interval" json:"max-interval"`
	Multiplier          float64       `toml:"multiplier" json:"multiplier"`
	RandomizationFactor float64       `toml:"randomization-factor" json:"randomization-factor"`
	// ResetInterval is how long a node must keep succeeding for its
	// failure history to be forgotten.
	ResetInterval time.Duration `toml:"reset-interval" json:"reset-interval"`
	// MaxFailures is the number of consecutive failures after which the
	// node is evicted until it is added again. Zero means never.
	MaxFailures int `toml:"max-failures" json:"max-failures"`
	// HealthCheckInterval is how often evicted nodes are pinged to be
	// readmitted.
	HealthCheckInterval time.Duration `toml:"health-check-interval" json:"health-check-interval"`
}

// NewDefaultBackoffConfig returns the default backoff config.
func NewDefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		ResetInterval:       time.Minute,
		MaxFailures:         0,
		HealthCheckInterval: 5 * time.Second,
	}
}

// nodeBackoff decides whether a compute node may receive jobs.
//   - Each failure moves the next allowed time forward by an exponentially
//     growing interval.
//   - Once the node has succeeded for longer than ResetInterval, the
//     history is cleared.
//
// It is not thread-safe, the Pool serializes calls.
type nodeBackoff struct {
	nodeID  string
	clocker clock.Clock
	config  *BackoffConfig

	errBackoff *backoff.ExponentialBackOff
	interval   time.Duration

	lastFailure         time.Time
	lastSuccess         time.Time
	consecutiveFailures int
}

func newNodeBackoff(nodeID string, clocker clock.Clock, config *BackoffConfig) *nodeBackoff {
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = config.InitialInterval
	errBackoff.MaxInterval = config.MaxInterval
	errBackoff.Multiplier = config.Multiplier
	errBackoff.RandomizationFactor = config.RandomizationFactor
	// MaxElapsedTime=0 means the backoff never stops by itself, eviction
	// is decided by MaxFailures.
	errBackoff.MaxElapsedTime = 0
	errBackoff.Reset()

	return &nodeBackoff{
		nodeID:     nodeID,
		clocker:    clocker,
		config:     config,
		errBackoff: errBackoff,
	}
}

// Allow returns whether the node may receive a job now.
func (b *nodeBackoff) Allow() bool {
	if b.lastFailure.IsZero() {
		return true
	}
	return b.clocker.Since(b.lastFailure) >= b.interval
}

// Evicted returns whether the node failed too many times in a row.
func (b *nodeBackoff) Evicted() bool {
	return b.config.MaxFailures > 0 && b.consecutiveFailures >= b.config.MaxFailures
}

// NextAllowed returns when the node may receive a job again.
func (b *nodeBackoff) NextAllowed() time.Time {
	return b.lastFailure.Add(b.interval)
}

// Success records a successful job on the node.
func (b *nodeBackoff) Success() {
	now := b.clocker.Now()
	if b.consecutiveFailures > 0 {
		b.consecutiveFailures = 0
		b.lastSuccess = now
		return
	}
	if !b.lastSuccess.IsZero() && now.Sub(b.lastSuccess) >= b.config.ResetInterval {
		b.reset()
	}
	if b.lastSuccess.IsZero() {
		b.lastSuccess = now
	}
}

// Fail records a transport failure of the node.
func (b *nodeBackoff) Fail() {
	b.consecutiveFailures++
	b.lastFailure = b.clocker.Now()
	b.lastSuccess = time.Time{}

	oldInterval := b.interval
	b.interval = b.errBackoff.NextBackOff()
	log.Info("compute node backoff interval is changed",
		zap.String("node-id", b.nodeID),
		zap.Int("consecutive-failures", b.consecutiveFailures),
		zap.Duration("old-interval", oldInterval),
		zap.Duration("new-interval", b.interval))
}

func (b *nodeBackoff) reset() {
	b.errBackoff.Reset()
	b.interval = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
}
