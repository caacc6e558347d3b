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
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

const (
	defaultLogLevel   = "info"
	defaultLogMaxDays = 7
	defaultLogMaxSize = 512 // MB
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// DefaultConfig returns the default log config.
func DefaultConfig() *Config {
	return &Config{
		Level:       defaultLogLevel,
		FileMaxSize: defaultLogMaxSize,
		FileMaxDays: defaultLogMaxDays,
	}
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = defaultLogLevel
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultLogMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultLogMaxDays
	}
}

type loggerOp struct {
	initGRPCLogger bool
}

// LoggerOpt is the logger option
type LoggerOpt func(*loggerOp)

// WithInitGRPCLogger enables grpc logger initialization when initializes global logger
func WithInitGRPCLogger() LoggerOpt {
	return func(op *loggerOp) {
		op.initGRPCLogger = true
	}
}

// InitLogger initializes logger
func InitLogger(cfg *Config, opts ...LoggerOpt) error {
	var op loggerOp
	for _, opt := range opts {
		opt(&op)
	}

	pclogConfig := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}

	logger, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)

	if op.initGRPCLogger {
		// grpc is noisy below warn, keep it quiet unless debugging.
		level := zapcore.WarnLevel
		if props.Level.Level() == zapcore.DebugLevel {
			level = zapcore.DebugLevel
		}
		grpcLogger := logger.WithOptions(zap.IncreaseLevel(level)).With(zap.String("component", "grpc"))
		grpclog.SetLoggerV2(zapgrpc.NewLogger(grpcLogger))
	}
	return nil
}

// SetLogLevel changes the process log level dynamically.
func SetLogLevel(level string) error {
	oldLevel := log.GetLevel()
	var lv zapcore.Level
	err := lv.UnmarshalText([]byte(level))
	if err != nil {
		return errors.Trace(err)
	}
	if lv != oldLevel {
		log.SetLevel(lv)
		log.Info("log level changed",
			zap.Stringer("old", oldLevel), zap.Stringer("new", lv))
	}
	return nil
}

// ZapErrorFilter wraps zap.Error, if err is in given filterErrors, it will be set to nil
func ZapErrorFilter(err error, filterErrors ...error) zap.Field {
	cause := errors.Cause(err)
	for _, ferr := range filterErrors {
		if cause == ferr {
			return zap.Error(nil)
		}
	}
	return zap.Error(err)
}

// ShortError contructs a field which only records the error message without
// verbose text (i.e. excludes the stack).
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}
