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

package logutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerAndSetLogLevel(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test")
	cfg := &Config{
		Level: "warning",
		File:  f,
	}
	cfg.Adjust()
	require.Equal(t, "warn", cfg.Level)
	require.Equal(t, defaultLogMaxSize, cfg.FileMaxSize)

	err := InitLogger(cfg)
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, log.GetLevel())

	// Set a different level.
	err = SetLogLevel("info")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, log.GetLevel())

	// Set the same level.
	err = SetLogLevel("info")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, log.GetLevel())

	// Set an invalid level.
	err = SetLogLevel("badlevel")
	require.Error(t, err)

	log.Info("riskflow log written to file", zap.String("case", "init"))
	_ = log.Sync()
	content, err := os.ReadFile(f)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(content), "riskflow log written to file"))
}

func TestZapErrorFilter(t *testing.T) {
	var (
		err       = errors.New("test error")
		testCases = []struct {
			err      error
			filters  []error
			expected zap.Field
		}{
			{nil, []error{}, zap.Error(nil)},
			{err, []error{}, zap.Error(err)},
			{err, []error{context.Canceled}, zap.Error(err)},
			{err, []error{err}, zap.Error(nil)},
			{context.Canceled, []error{context.Canceled}, zap.Error(nil)},
			{errors.Annotate(context.Canceled, "annotate error"), []error{context.Canceled}, zap.Error(nil)},
		}
	)
	for _, tc := range testCases {
		require.Equal(t, tc.expected, ZapErrorFilter(tc.err, tc.filters...))
	}
}

func TestShortError(t *testing.T) {
	require.Equal(t, zap.Skip(), ShortError(nil))
	field := ShortError(errors.New("short"))
	require.Equal(t, "error", field.Key)
	require.Equal(t, "short", field.String)
}
