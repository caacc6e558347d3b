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

package retry

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

const (
	defaultBackoffBase = 10 * time.Millisecond
	defaultBackoffCap  = 100 * time.Millisecond
	defaultMaxTries    = 3
)

// Option configures a single Do call.
type Option func(*retryOptions)

// IsRetryableErr checks the error is safe to retry or not, eg. "context.Canceled" better not retry
type IsRetryableErr func(error) bool

type retryOptions struct {
	// maxTries is zero when the operation is retried until ctx is done.
	maxTries    int
	backoffBase time.Duration
	backoffCap  time.Duration
	isRetryable IsRetryableErr
	clock       bclock.Clock
	onRetry     func(try int, err error, backoff time.Duration)
}

func setOptions(opts ...Option) *retryOptions {
	o := &retryOptions{
		maxTries:    defaultMaxTries,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		isRetryable: func(err error) bool { return true },
		clock:       bclock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.backoffCap < o.backoffBase {
		o.backoffCap = o.backoffBase
	}
	return o
}

// WithBackoffBaseDelay configures the initial delay, a non-positive value is ignored.
func WithBackoffBaseDelay(d time.Duration) Option {
	return func(o *retryOptions) {
		if d > 0 {
			o.backoffBase = d
		}
	}
}

// WithBackoffMaxDelay configures the maximum delay, a non-positive value is ignored.
func WithBackoffMaxDelay(d time.Duration) Option {
	return func(o *retryOptions) {
		if d > 0 {
			o.backoffCap = d
		}
	}
}

// WithMaxTries configures maximum tries, a non-positive value is ignored
func WithMaxTries(tries int) Option {
	return func(o *retryOptions) {
		if tries > 0 {
			o.maxTries = tries
		}
	}
}

// WithInfiniteTries configures to retry forever till success or ctx is done
func WithInfiniteTries() Option {
	return func(o *retryOptions) {
		o.maxTries = 0
	}
}

// WithIsRetryableErr configures the error handler, if not set, retry by default
func WithIsRetryableErr(f func(error) bool) Option {
	return func(o *retryOptions) {
		if f != nil {
			o.isRetryable = f
		}
	}
}

// WithClock sets the clock the backoff waits on.
func WithClock(clk bclock.Clock) Option {
	return func(o *retryOptions) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithOnRetry registers a callback invoked before each backoff.
func WithOnRetry(f func(try int, err error, backoff time.Duration)) Option {
	return func(o *retryOptions) {
		o.onRetry = f
	}
}
