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
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWrappingFactoryAttachesConstLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	factory := NewWrappingFactory(reg, prometheus.Labels{constLabelSchedulerKey: "s1"})
	counter := factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      "counter",
		Help:      "test counter",
	})
	counter.Add(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	require.Equal(t, "riskflow_test_counter", mfs[0].GetName())
	metric := mfs[0].GetMetric()[0]
	require.Equal(t, 2.0, metric.GetCounter().GetValue())
	require.Len(t, metric.GetLabel(), 1)
	require.Equal(t, constLabelSchedulerKey, metric.GetLabel()[0].GetName())
	require.Equal(t, "s1", metric.GetLabel()[0].GetValue())
}

func TestFactoryWithoutRegisterer(t *testing.T) {
	t.Parallel()

	factory := NewFactory(nil)
	gauge := factory.NewGaugeVec(prometheus.GaugeOpts{Name: "g", Help: "g"}, []string{"node"})
	gauge.WithLabelValues("n1").Set(3)
	require.Equal(t, 3.0, testutil.ToFloat64(gauge.WithLabelValues("n1")))
}

func TestHTTPHandlerForMetric(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewFactory(reg).NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "latency_seconds",
		Help:      "test histogram",
	}).Observe(0.5)

	srv := httptest.NewServer(HTTPHandlerForMetricImpl(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "riskflow_latency_seconds_count 1")
}
