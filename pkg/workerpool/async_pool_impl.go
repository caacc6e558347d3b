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

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/pingcap/riskflow/pkg/retry"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	backoffBaseDelay  = time.Millisecond
	maxTries          = 25
	workerInputChSize = 1024
)

type defaultAsyncPoolImpl struct {
	workers      []*asyncWorker
	nextWorkerID atomic.Int32
	isRunning    atomic.Bool
	runningLock  sync.RWMutex
}

// NewDefaultAsyncPool creates a new AsyncPool that uses the default implementation
func NewDefaultAsyncPool(numWorkers int) AsyncPool {
	return newDefaultAsyncPoolImpl(numWorkers)
}

func newDefaultAsyncPoolImpl(numWorkers int) *defaultAsyncPoolImpl {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &defaultAsyncPoolImpl{
		workers: make([]*asyncWorker, numWorkers),
	}
}

func (p *defaultAsyncPoolImpl) Go(ctx context.Context, f func()) error {
	if p.doGo(ctx, f) == nil {
		return nil
	}

	err := retry.Do(ctx, func() error {
		return errors.Trace(p.doGo(ctx, f))
	}, retry.WithBackoffBaseDelay(backoffBaseDelay),
		retry.WithMaxTries(maxTries),
		retry.WithIsRetryableErr(isRetryable))
	return errors.Trace(err)
}

func isRetryable(err error) bool {
	return cerrors.Is(err, cerrors.ErrAsyncPoolExited)
}

func (p *defaultAsyncPoolImpl) doGo(ctx context.Context, f func()) error {
	p.runningLock.RLock()
	defer p.runningLock.RUnlock()

	if !p.isRunning.Load() {
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	}

	worker := p.workers[int(uint32(p.nextWorkerID.Inc()))%len(p.workers)]
	return worker.submit(ctx, f)
}

func (p *defaultAsyncPoolImpl) Run(ctx context.Context) error {
	for i := range p.workers {
		p.workers[i] = newAsyncWorker()
	}

	p.runningLock.Lock()
	p.isRunning.Store(true)
	p.runningLock.Unlock()

	defer func() {
		p.runningLock.Lock()
		p.isRunning.Store(false)
		p.runningLock.Unlock()
	}()

	errg := errgroup.Group{}
	for _, worker := range p.workers {
		w := worker
		errg.Go(func() error {
			w.run()
			return nil
		})
	}

	<-ctx.Done()
	// Stop accepting new tasks first, then let the workers drain what
	// has been submitted.
	p.runningLock.Lock()
	p.isRunning.Store(false)
	p.runningLock.Unlock()
	for _, worker := range p.workers {
		worker.close()
	}
	_ = errg.Wait()
	return errors.Trace(ctx.Err())
}

type asyncWorker struct {
	inputCh  chan func()
	isClosed atomic.Bool
	chLock   sync.RWMutex
}

func newAsyncWorker() *asyncWorker {
	return &asyncWorker{inputCh: make(chan func(), workerInputChSize)}
}

func (w *asyncWorker) submit(ctx context.Context, f func()) error {
	w.chLock.RLock()
	defer w.chLock.RUnlock()

	if w.isClosed.Load() {
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	}

	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case w.inputCh <- f:
	}
	return nil
}

func (w *asyncWorker) run() {
	for f := range w.inputCh {
		runTask(f)
	}
}

func runTask(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("async pool task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	f()
}

func (w *asyncWorker) close() {
	if w.isClosed.Swap(true) {
		return
	}

	w.chLock.Lock()
	defer w.chLock.Unlock()

	close(w.inputCh)
}
