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
	"testing"
	"time"

	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/promutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEstimateColdStart(t *testing.T) {
	t.Parallel()

	registry := NewCostClassRegistry()
	registry.Register("Black76", "option-pricing")
	registry.SetClassDefault("option-pricing", 40*time.Millisecond)
	registry.Register("Orphan", "no-default")

	m := New(Config{DefaultEstimate: 5 * time.Millisecond, Registry: registry}, nil)

	require.Equal(t, model.CostEstimate{Duration: 5 * time.Millisecond},
		m.Estimate("PresentValue", "SECURITY"))
	require.Equal(t, model.CostEstimate{Duration: 40 * time.Millisecond},
		m.Estimate("Black76", "SECURITY"))
	require.Equal(t, model.CostEstimate{Duration: 5 * time.Millisecond},
		m.Estimate("Orphan", "SECURITY"))

	class, ok := registry.ClassOf("Black76")
	require.True(t, ok)
	require.Equal(t, "option-pricing", class)
}

func TestRecordConverges(t *testing.T) {
	t.Parallel()

	m := New(Config{DefaultEstimate: time.Second, Alpha: 0.2}, nil)
	m.Record("pv", "SECURITY", 10*time.Millisecond)
	est := m.Estimate("pv", "SECURITY")
	require.Equal(t, 10*time.Millisecond, est.Duration)
	require.Equal(t, int64(1), est.Invocations)

	// drift to a new level, the estimate must approach it geometrically
	target := 50 * time.Millisecond
	for i := 0; i < 40; i++ {
		m.Record("pv", "SECURITY", target)
	}
	est = m.Estimate("pv", "SECURITY")
	require.InDelta(t, float64(target), float64(est.Duration), float64(time.Millisecond))
	require.Equal(t, int64(41), est.Invocations)

	// other target types are independent
	require.Equal(t, time.Second, m.Estimate("pv", "PORTFOLIO_NODE").Duration)
}

func TestConcurrentRecordLosesNoSample(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(Config{}, promutil.NewFactory(reg))

	const (
		workers = 16
		samples = 500
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			fn := model.FunctionID("shared")
			if w%2 == 0 {
				fn = "even"
			}
			for i := 0; i < samples; i++ {
				m.Record(fn, "SECURITY", 2*time.Millisecond)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, int64(workers/2*samples), m.Estimate("shared", "SECURITY").Invocations)
	require.Equal(t, int64(workers/2*samples), m.Estimate("even", "SECURITY").Invocations)
	require.Equal(t, 2*time.Millisecond, m.Estimate("shared", "SECURITY").Duration)
	require.Equal(t, 2, m.Len())
	require.Equal(t, 2.0, testutil.ToFloat64(m.entriesGauge))
	require.Equal(t, float64(workers*samples), testutil.ToFloat64(m.samples))
}

func TestSnapshotIsOrdered(t *testing.T) {
	t.Parallel()

	m := New(Config{}, nil)
	m.Record("b", "SECURITY", time.Millisecond)
	m.Record("a", "SECURITY", 2*time.Millisecond)
	m.Record("a", "PORTFOLIO_NODE", 3*time.Millisecond)
	m.Record("a", "PORTFOLIO_NODE", -time.Millisecond)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, Entry{
		Function:   "a",
		TargetType: "PORTFOLIO_NODE",
		Estimate:   model.CostEstimate{Duration: 3 * time.Millisecond, Invocations: 1},
	}, snapshot[0])
	require.Equal(t, model.FunctionID("a"), snapshot[1].Function)
	require.Equal(t, model.TargetType("SECURITY"), snapshot[1].TargetType)
	require.Equal(t, model.FunctionID("b"), snapshot[2].Function)
}

func TestReset(t *testing.T) {
	t.Parallel()

	m := New(Config{DefaultEstimate: time.Millisecond}, nil)
	m.Record("pv", "SECURITY", time.Second)
	m.Record("pv", "PORTFOLIO", time.Second)
	require.Equal(t, 2, m.Len())

	m.Reset()
	require.Equal(t, 0, m.Len())
	require.Empty(t, m.Snapshot())
	require.Equal(t, model.CostEstimate{Duration: time.Millisecond}, m.Estimate("pv", "SECURITY"))
}
