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
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
)

// Operation is the action that needs to be retried.
type Operation func() error

// Do executes the operation until it succeeds, the error is not retryable,
// the maximum tries are reached or ctx is done.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	return run(ctx, operation, setOptions(opts...))
}

func run(ctx context.Context, op Operation, o *retryOptions) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	var timer interface{ Stop() bool }
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for try := 1; ; try++ {
		err := op()
		if err == nil {
			return nil
		}
		if !o.isRetryable(err) {
			return err
		}
		if o.maxTries > 0 && try >= o.maxTries {
			return cerrors.ErrReachMaxTry.Wrap(err).GenWithStackByArgs(strconv.Itoa(try), err)
		}

		backoff := nextBackoff(o.backoffBase, o.backoffCap, try)
		if o.onRetry != nil {
			o.onRetry(try, err, backoff)
		}
		t := o.clock.Timer(backoff)
		timer = t
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}

// nextBackoff returns the wait before the next try: an exponentially
// growing window capped at backoffCap, with half of it jittered.
func nextBackoff(base, limit time.Duration, try int) time.Duration {
	window := limit
	if try < 32 {
		if d := base << uint(try-1); d > 0 && d < limit {
			window = d
		}
	}
	half := window / 2
	if half <= 0 {
		return window
	}
	backoff := half + time.Duration(rand.Int63n(int64(half)+1))
	if backoff < base {
		backoff = base
	}
	return backoff
}
