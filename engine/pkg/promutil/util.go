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

package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the metric namespace of every riskflow metric.
	Namespace = "riskflow"

	constLabelSchedulerKey = "scheduler"
)

// globalRegistry is the process-level registry exposed by HTTPHandlerForMetric.
var globalRegistry = NewRegistry()

// NewRegistry creates a registry with the go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// MustRegister registers collectors with the process-level registry.
func MustRegister(cs ...prometheus.Collector) {
	globalRegistry.MustRegister(cs...)
}

// NewFactory4Scheduler returns a Factory for the scheduler with the given id,
// registering with the process-level registry.
func NewFactory4Scheduler(schedulerID string) Factory {
	return NewWrappingFactory(globalRegistry, prometheus.Labels{
		constLabelSchedulerKey: schedulerID,
	})
}

// HTTPHandlerForMetric return http.Handler for prometheus metric
func HTTPHandlerForMetric() http.Handler {
	return HTTPHandlerForMetricImpl(globalRegistry)
}

// HTTPHandlerForMetricImpl returns the http.Handler serving metrics of gatherer.
func HTTPHandlerForMetricImpl(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
