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

package quota

import (
	"context"
	"math"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyQuota bounds how many units of work may be held at once.
type ConcurrencyQuota interface {
	// Consume blocks until a unit is available or ctx is done.
	Consume(ctx context.Context) error
	// TryConsume takes a unit if one is available without blocking.
	TryConsume() bool
	// Release returns a unit taken by Consume or TryConsume.
	Release()
	// Used returns the number of units currently held.
	Used() int64
	// Total returns the capacity of the quota.
	Total() int64
}

// NewConcurrencyQuota creates a quota of total units. A non-positive total
// means unbounded.
func NewConcurrencyQuota(total int64) ConcurrencyQuota {
	if total <= 0 {
		total = math.MaxInt64
	}
	return &concurrencyQuotaImpl{
		sem:   semaphore.NewWeighted(total),
		total: total,
	}
}

type concurrencyQuotaImpl struct {
	sem   *semaphore.Weighted
	total int64
	used  atomic.Int64
}

func (c *concurrencyQuotaImpl) Consume(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}
	c.used.Inc()
	return nil
}

func (c *concurrencyQuotaImpl) TryConsume() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.used.Inc()
	return true
}

func (c *concurrencyQuotaImpl) Release() {
	c.used.Dec()
	c.sem.Release(1)
}

func (c *concurrencyQuotaImpl) Used() int64 {
	return c.used.Load()
}

func (c *concurrencyQuotaImpl) Total() int64 {
	return c.total
}
