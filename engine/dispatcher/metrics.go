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
package dispatcher

import (
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobs     *prometheus.CounterVec
	inflight *prometheus.GaugeVec
	duration prometheus.Histogram
	cycles   *prometheus.CounterVec
}

func newMetrics(factory promutil.Factory) *metrics {
	return &metrics{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_total",
			Help:      "job dispatch events",
		}, []string{"event"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promutil.Namespace,
			Subsystem: "dispatcher",
			Name:      "inflight_jobs",
			Help:      "jobs dispatched and not yet finished by compute node",
		}, []string{"node"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: promutil.Namespace,
			Subsystem: "dispatcher",
			Name:      "job_duration_seconds",
			Help:      "time from submission to completion of a job",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms ~ 131s
		}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promutil.Namespace,
			Subsystem: "dispatcher",
			Name:      "cycles_total",
			Help:      "finished computation cycles",
		}, []string{"status"}),
	}
}
