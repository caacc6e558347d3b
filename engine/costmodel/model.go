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

package costmodel

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	// DefaultEstimate is the cold start estimate of an unknown function.
	DefaultEstimate = time.Millisecond
	// DefaultAlpha is the weight of a new sample once an entry is warm.
	DefaultAlpha = 0.2
)

// Config configures a Model.
type Config struct {
	// DefaultEstimate is returned for pairs never recorded whose function
	// has no cost class default.
	DefaultEstimate time.Duration
	// Alpha is the smoothing factor of the exponential moving average, in (0, 1].
	// An entry averages its first 1/Alpha samples uniformly, which makes a
	// cold entry converge quickly, and decays exponentially afterwards.
	Alpha float64
	// Registry buckets unseen functions into cost classes. Optional.
	Registry *CostClassRegistry
}

func (c *Config) adjust() {
	if c.DefaultEstimate <= 0 {
		c.DefaultEstimate = DefaultEstimate
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
}

type key struct {
	fn model.FunctionID
	tt model.TargetType
}

func (k key) less(other key) bool {
	if k.fn != other.fn {
		return k.fn < other.fn
	}
	return k.tt < other.tt
}

type entry struct {
	mu          sync.Mutex
	mean        float64
	invocations int64
}

// Entry is one observed (function, target type) pair.
type Entry struct {
	Function   model.FunctionID   `json:"function"`
	TargetType model.TargetType   `json:"targetType"`
	Estimate   model.CostEstimate `json:"estimate"`
}

// Model is the adaptive execution cost estimator shared by every cycle of
// a scheduler. Updates to one (function, target type) pair are serialized
// by a lock of that pair only.
type Model struct {
	cfg Config

	entries sync.Map // key -> *entry
	size    atomic.Int64

	entriesGauge prometheus.Gauge
	samples      prometheus.Counter
}

// New creates a Model.
func New(cfg Config, factory promutil.Factory) *Model {
	cfg.adjust()
	if factory == nil {
		factory = promutil.NewFactory(nil)
	}
	return &Model{
		cfg: cfg,
		entriesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promutil.Namespace,
			Subsystem: "cost_model",
			Name:      "entries",
			Help:      "number of (function, target type) pairs with observations",
		}),
		samples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "cost_model",
			Name:      "samples_total",
			Help:      "number of duration samples recorded",
		}),
	}
}

// Estimate returns the expected cost of one invocation. It never fails;
// a pair never recorded gets its cost class default or the configured
// default, with zero invocations.
func (m *Model) Estimate(fn model.FunctionID, tt model.TargetType) model.CostEstimate {
	if v, ok := m.entries.Load(key{fn: fn, tt: tt}); ok {
		e := v.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		return model.CostEstimate{
			Duration:    time.Duration(e.mean),
			Invocations: e.invocations,
		}
	}
	return model.CostEstimate{Duration: m.coldEstimate(fn)}
}

func (m *Model) coldEstimate(fn model.FunctionID) time.Duration {
	if m.cfg.Registry != nil {
		if d, ok := m.cfg.Registry.Lookup(fn); ok {
			return d
		}
	}
	return m.cfg.DefaultEstimate
}

// Record folds an observed duration into the estimate of the pair.
func (m *Model) Record(fn model.FunctionID, tt model.TargetType, observed time.Duration) {
	if observed < 0 {
		return
	}
	k := key{fn: fn, tt: tt}
	v, ok := m.entries.Load(k)
	if !ok {
		var loaded bool
		v, loaded = m.entries.LoadOrStore(k, &entry{})
		if !loaded {
			m.entriesGauge.Set(float64(m.size.Inc()))
		}
	}
	e := v.(*entry)

	e.mu.Lock()
	e.invocations++
	weight := 1 / float64(e.invocations)
	if weight < m.cfg.Alpha {
		weight = m.cfg.Alpha
	}
	e.mean += weight * (float64(observed) - e.mean)
	e.mu.Unlock()

	m.samples.Inc()
}

// Snapshot returns every observed pair ordered by function then target type.
func (m *Model) Snapshot() []Entry {
	tree := btree.NewG[Entry](8, func(a, b Entry) bool {
		return key{fn: a.Function, tt: a.TargetType}.less(key{fn: b.Function, tt: b.TargetType})
	})
	m.entries.Range(func(k, v any) bool {
		kk := k.(key)
		e := v.(*entry)
		e.mu.Lock()
		tree.ReplaceOrInsert(Entry{
			Function:   kk.fn,
			TargetType: kk.tt,
			Estimate: model.CostEstimate{
				Duration:    time.Duration(e.mean),
				Invocations: e.invocations,
			},
		})
		e.mu.Unlock()
		return true
	})

	ret := make([]Entry, 0, tree.Len())
	tree.Ascend(func(e Entry) bool {
		ret = append(ret, e)
		return true
	})
	return ret
}

// Len returns the number of observed pairs.
func (m *Model) Len() int {
	return int(m.size.Load())
}

// Reset forgets every observation. Samples recorded concurrently with
// Reset may be lost.
func (m *Model) Reset() {
	m.entries.Range(func(k, _ any) bool {
		if _, loaded := m.entries.LoadAndDelete(k); loaded {
			m.size.Dec()
		}
		return true
	})
	m.entriesGauge.Set(float64(m.size.Load()))
}
