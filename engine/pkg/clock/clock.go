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

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

// Timer is the timer returned by Clock.Timer and Clock.AfterFunc.
type Timer = bclock.Timer

// MonotonicTime is a duration since an unspecified origin. It never goes
// backwards, even when the wall clock is adjusted.
type MonotonicTime time.Duration

// Sub returns m - other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

var unixEpoch = time.Unix(0, 0)

// Clock is the time source used by the scheduler. Tests replace it with a
// Mock to drive node backoff, waiting jobs and duration measurements.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type realClock struct {
	bclock.Clock
}

func (realClock) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// New returns a Clock backed by the system time.
func New() Clock {
	return realClock{bclock.New()}
}

// OrNew returns c, or the system clock when c is nil.
func OrNew(c Clock) Clock {
	if c == nil {
		return New()
	}
	return c
}

// Mock is a Clock whose time only moves when told to. Its monotonic time
// follows the mocked wall clock.
type Mock struct {
	*bclock.Mock
}

// NewMock returns a mock clock starting at the unix epoch.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// Mono implements Clock.
func (m Mock) Mono() MonotonicTime {
	return MonotonicTime(m.Now().Sub(unixEpoch))
}

// Stopwatch measures monotonic time elapsed on a Clock.
type Stopwatch struct {
	clock Clock
	start MonotonicTime
}

// StartStopwatch starts measuring on c.
func StartStopwatch(c Clock) Stopwatch {
	return Stopwatch{clock: c, start: c.Mono()}
}

// Elapsed returns the time since the stopwatch was started.
func (s Stopwatch) Elapsed() time.Duration {
	return s.clock.Mono().Sub(s.start)
}
