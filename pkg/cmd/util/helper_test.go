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

package util

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/riskflow/pkg/config"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/leakutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestProxyFields(t *testing.T) {
	revIndex := map[string]int{
		"http_proxy":  0,
		"https_proxy": 1,
		"no_proxy":    2,
	}
	envs := []string{"http_proxy", "https_proxy", "no_proxy"}
	envPreset := []string{"http://127.0.0.1:8080", "https://127.0.0.1:8443", "localhost,127.0.0.1"}

	// Each bit of the mask decides whether the env at that index is set.
	for mask := 0; mask <= 0b111; mask++ {
		for _, env := range envs {
			t.Setenv(env, "")
		}
		for i := 0; i < 3; i++ {
			if (1<<i)&mask != 0 {
				t.Setenv(envs[i], envPreset[i])
			}
		}

		for _, field := range findProxyFields() {
			idx, ok := revIndex[field.Key]
			require.True(t, ok)
			require.NotEqual(t, 0, (1<<idx)&mask)
			require.Equal(t, envPreset[idx], field.String)
		}
	}
}

func TestStrictDecodeValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "riskflow.toml")
	configContent := `
metrics-addr = "127.0.0.1:19270"
local-slots = 8

[log]
level = "warn"
max-size = 200

[compute-nodes]
node-1 = "127.0.0.1:10270"

[partition]
max-job-items = 32
max-job-cost = "10s"

[dispatcher]
retry-limit = 1
dispatch-timeout = "1m"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	conf := config.GetDefaultSchedulerConfig()
	require.NoError(t, StrictDecodeFile(configPath, "test", conf))
	require.NoError(t, conf.ValidateAndAdjust())
	require.Equal(t, "warn", conf.LogConfig.Level)
	require.Equal(t, 32, conf.Partition.MaxJobItems)
	require.Equal(t, time.Minute, time.Duration(conf.Dispatcher.DispatchTimeout))
}

func TestStrictDecodeInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "riskflow.toml")
	configContent := `
unknown = "128.0.0.1:1234"

[log.unknown]
max-size = 200
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	conf := config.GetDefaultSchedulerConfig()
	err := StrictDecodeFile(configPath, "test", conf)
	require.ErrorContains(t, err, "contained unknown configuration options")
	require.True(t, cerrors.Is(err, cerrors.ErrInvalidServerOption))

	conf = config.GetDefaultSchedulerConfig()
	require.NoError(t, StrictDecodeFile(configPath, "test", conf, "unknown", "log"))
}

func TestJSONPrint(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, JSONPrint(cmd, map[string]int{"jobs": 2}))
	require.Equal(t, "{\n  \"jobs\": 2\n}\n", buf.String())
}

func TestServeMetricsDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ServeMetrics(ctx, "", promhttp.Handler()))
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeMetrics(ctx, "127.0.0.1:0", promhttp.Handler())
	}()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "metrics server is not stopped")
	}
}
