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
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/logutil"
	"github.com/pingcap/riskflow/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	waitAvailableTimeout = 10 * time.Second
	healthCheckTimeout   = 3 * time.Second
)

// Pinger is implemented by connections that answer health checks while
// their node is evicted.
type Pinger interface {
	Ping(ctx context.Context) (*PingResponse, error)
}

// ConnectionFactory creates connections to compute nodes by address.
type ConnectionFactory interface {
	NewConnection(id, addr string) (Connection, error)
}

type member struct {
	conn    Connection
	addr    string
	backoff *nodeBackoff
}

// Pool holds the connections to compute nodes and tracks their
// availability. A node is available when it reports healthy, it is not in
// backoff after a transport failure and it has not been evicted.
type Pool struct {
	mu      sync.RWMutex
	members map[string]*member

	backoffConfig *BackoffConfig
	clock         clock.Clock
	factory       ConnectionFactory
	logger        *zap.Logger

	available prometheus.Gauge
	failures  *prometheus.CounterVec
}

// NewPool creates an empty pool. factory is only needed by UpdateNodeList.
func NewPool(
	backoffConfig *BackoffConfig,
	clk clock.Clock,
	factory ConnectionFactory,
	metricFactory promutil.Factory,
	logger *zap.Logger,
) *Pool {
	if backoffConfig == nil {
		backoffConfig = NewDefaultBackoffConfig()
	}
	clk = clock.OrNew(clk)
	if metricFactory == nil {
		metricFactory = promutil.NewFactory(nil)
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Pool{
		members:       make(map[string]*member),
		backoffConfig: backoffConfig,
		clock:         clk,
		factory:       factory,
		logger:        logger,
		available: metricFactory.NewGauge(prometheus.GaugeOpts{
			Namespace: promutil.Namespace,
			Subsystem: "compute_node",
			Name:      "available",
			Help:      "number of compute nodes available for dispatch",
		}),
		failures: metricFactory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "compute_node",
			Name:      "failures_total",
			Help:      "transport failures by compute node",
		}, []string{"node"}),
	}
}

// Add adds a connection to the pool.
func (p *Pool) Add(conn Connection) error {
	return p.add(conn, "")
}

func (p *Pool) add(conn Connection, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.members[conn.ID()]; ok {
		return cerrors.ErrNodeAlreadyExists.GenWithStackByArgs(conn.ID())
	}
	p.members[conn.ID()] = &member{
		conn:    conn,
		addr:    addr,
		backoff: newNodeBackoff(conn.ID(), p.clock, p.backoffConfig),
	}
	p.logger.Info("compute node added",
		zap.String("node-id", conn.ID()),
		zap.String("address", addr))
	return nil
}

// Remove closes and removes the connection of a node.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	m, ok := p.members[id]
	if ok {
		delete(p.members, id)
	}
	p.mu.Unlock()

	if !ok {
		return cerrors.ErrNodeNotFound.GenWithStackByArgs(id)
	}
	p.logger.Info("compute node removed", zap.String("node-id", id))
	return m.conn.Close()
}

// UpdateNodeList makes the pool hold exactly the given nodes, a map from
// node id to address. Connections are created by the ConnectionFactory.
func (p *Pool) UpdateNodeList(nodes map[string]string) error {
	p.mu.Lock()
	var outdated []Connection
	for id, m := range p.members {
		if addr, ok := nodes[id]; ok && addr == m.addr {
			continue
		}
		outdated = append(outdated, m.conn)
		delete(p.members, id)
	}
	p.mu.Unlock()

	var errs error
	for _, conn := range outdated {
		p.logger.Info("compute node removed", zap.String("node-id", conn.ID()))
		errs = multierr.Append(errs, conn.Close())
	}

	for id, addr := range nodes {
		if _, ok := p.Get(id); ok {
			continue
		}
		conn, err := p.factory.NewConnection(id, addr)
		if err != nil {
			p.logger.Warn("failed to create compute node connection",
				zap.String("node-id", id),
				zap.String("address", addr),
				logutil.ShortError(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if err := p.add(conn, addr); err != nil {
			errs = multierr.Append(errs, multierr.Combine(err, conn.Close()))
		}
	}
	return errs
}

// Get returns the connection of a node.
func (p *Pool) Get(id string) (Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[id]
	if !ok {
		return nil, false
	}
	return m.conn, true
}

// Len returns the number of nodes in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// Available returns the available connections ordered by node id.
func (p *Pool) Available() []Connection {
	p.mu.RLock()
	ret := make([]Connection, 0, len(p.members))
	for _, m := range p.members {
		if m.backoff.Evicted() || !m.backoff.Allow() || !m.conn.Healthy() {
			continue
		}
		ret = append(ret, m.conn)
	}
	p.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].ID() < ret[j].ID() })
	p.available.Set(float64(len(ret)))
	return ret
}

// NextAvailable returns the earliest time a node in backoff becomes
// available again, or false if no node is waiting for its backoff.
func (p *Pool) NextAvailable() (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		next  time.Time
		found bool
	)
	for _, m := range p.members {
		if m.backoff.Evicted() || m.backoff.Allow() {
			continue
		}
		at := m.backoff.NextAllowed()
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// WaitAvailable blocks until at least one node is available.
func (p *Pool) WaitAvailable(ctx context.Context) ([]Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, waitAvailableTimeout)
	defer cancel()

	var ret []Connection
	err := retry.Do(ctx, func() error {
		ret = p.Available()
		if len(ret) == 0 {
			return cerrors.ErrNoAvailableNode.GenWithStackByArgs("*")
		}
		return nil
	},
		retry.WithInfiniteTries(),
		retry.WithBackoffMaxDelay(time.Second),
		retry.WithIsRetryableErr(cerrors.ErrNoAvailableNode.Equal))
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// MarkFailed records a transport failure of the node.
func (p *Pool) MarkFailed(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return
	}
	m.backoff.Fail()
	p.failures.WithLabelValues(id).Inc()
	if m.backoff.Evicted() {
		p.logger.Warn("compute node evicted after consecutive failures",
			zap.String("node-id", id),
			zap.Int("max-failures", p.backoffConfig.MaxFailures),
			logutil.ShortError(err))
	}
}

// Readmit clears the failure history of a node, e.g. an evicted node that
// was repaired.
func (p *Pool) Readmit(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return cerrors.ErrNodeNotFound.GenWithStackByArgs(id)
	}
	m.backoff = newNodeBackoff(id, p.clock, p.backoffConfig)
	p.logger.Info("compute node readmitted", zap.String("node-id", id))
	return nil
}

// Run pings the evicted nodes every health check interval until ctx is
// done, and readmits the ones that answer.
func (p *Pool) Run(ctx context.Context) error {
	interval := p.backoffConfig.HealthCheckInterval
	if interval <= 0 {
		interval = NewDefaultBackoffConfig().HealthCheckInterval
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			p.CheckEvicted(ctx)
		}
	}
}

// CheckEvicted pings every evicted node that supports it and readmits the
// ones that answer. It returns the readmitted node ids.
func (p *Pool) CheckEvicted(ctx context.Context) []string {
	type candidate struct {
		id     string
		pinger Pinger
	}
	var candidates []candidate
	p.mu.RLock()
	for id, m := range p.members {
		if !m.backoff.Evicted() {
			continue
		}
		if pinger, ok := m.conn.(Pinger); ok {
			candidates = append(candidates, candidate{id: id, pinger: pinger})
		}
	}
	p.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	var readmitted []string
	for _, c := range candidates {
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		resp, err := c.pinger.Ping(pingCtx)
		cancel()
		if err == nil && !resp.Healthy {
			err = cerrors.ErrNodeUnavailable.GenWithStackByArgs(c.id)
		}
		if err != nil {
			p.logger.Debug("evicted compute node is still unreachable",
				zap.String("node-id", c.id), logutil.ShortError(err))
			continue
		}
		if err := p.Readmit(c.id); err != nil {
			// removed meanwhile
			continue
		}
		readmitted = append(readmitted, c.id)
	}
	return readmitted
}

// MarkSucceeded records a successful job of the node.
func (p *Pool) MarkSucceeded(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[id]; ok {
		m.backoff.Success()
	}
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	members := p.members
	p.members = make(map[string]*member)
	p.mu.Unlock()

	var errs error
	for _, m := range members {
		errs = multierr.Append(errs, m.conn.Close())
	}
	return errs
}
