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
package collector

import (
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by the collectors of every cycle of a scheduler.
type Metrics struct {
	nodes       *prometheus.CounterVec
	costSamples prometheus.Counter
}

// NewMetrics creates the collector metrics with factory. A nil factory
// creates unregistered metrics.
func NewMetrics(factory promutil.Factory) *Metrics {
	if factory == nil {
		factory = promutil.NewFactory(nil)
	}
	return &Metrics{
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "collector",
			Name:      "nodes_total",
			Help:      "graph nodes collected by final status",
		}, []string{"status"}),
		costSamples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "collector",
			Name:      "cost_samples_total",
			Help:      "item durations fed back to the cost model",
		}),
	}
}

func (m *Metrics) observeCycle(result *model.CycleResult) {
	for _, status := range []model.NodeStatus{
		model.NodeSucceeded, model.NodeFailed, model.NodeMissing, model.NodeCancelled,
	} {
		if n := result.Count(status); n > 0 {
			m.nodes.WithLabelValues(string(status)).Add(float64(n))
		}
	}
}
