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

package workerpool

import "context"

// AsyncPool runs submitted functions on a fixed set of workers, in no
// particular order. The dispatcher hands job completions to it, so that
// the goroutines waiting on compute nodes never do the bookkeeping.
type AsyncPool interface {
	// Go submits f. ctx only bounds the submission. Every submitted f runs
	// once, even when Run is exiting, but Go fails with
	// ErrAsyncPoolExited if the pool is not running.
	Go(ctx context.Context, f func()) error

	// Run starts the workers and blocks until ctx is done and the
	// submitted functions are drained.
	Run(ctx context.Context) error
}
