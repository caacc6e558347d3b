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

package notifier

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/pkg/containers"
	"go.uber.org/atomic"
)

const receiverBufferSize = 64

// Notifier broadcasts a stream of events to every live Receiver.
// Notify never blocks; events are buffered in an unbounded queue and
// delivered in order by a background goroutine.
type Notifier[T any] struct {
	mu        sync.Mutex
	receivers map[int64]*Receiver[T]
	nextID    atomic.Int64

	// queue buffers the events not yet delivered, signalCh is notified
	// whenever it becomes non-empty.
	queueMu  sync.Mutex
	queue    *containers.Deque[T]
	signalCh chan struct{}

	closed        atomic.Bool
	closeCh       chan struct{}
	synchronizeCh chan struct{}

	wg sync.WaitGroup
}

// Receiver is one subscription to a Notifier.
type Receiver[T any] struct {
	// C delivers the events. It is closed when the receiver or the
	// notifier is closed.
	C chan T

	id        int64
	closeOnce sync.Once
	// closed MUST be closed before closing `C`.
	closed   chan struct{}
	notifier *Notifier[T]
}

// Close unsubscribes the receiver.
func (r *Receiver[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		// Wait for run() to pass its barrier so that no send to C is in flight.
		<-r.notifier.synchronizeCh
		r.notifier.mu.Lock()
		delete(r.notifier.receivers, r.id)
		r.notifier.mu.Unlock()
		close(r.C)
	})
}

// NewNotifier creates a new Notifier and starts its delivery goroutine.
func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		receivers:     make(map[int64]*Receiver[T]),
		queue:         containers.NewDeque[T](),
		signalCh:      make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
		synchronizeCh: make(chan struct{}),
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run()
	}()
	return n
}

// NewReceiver subscribes to events notified after this call.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	r := &Receiver[T]{
		id:       n.nextID.Add(1),
		C:        make(chan T, receiverBufferSize),
		closed:   make(chan struct{}),
		notifier: n,
	}
	n.mu.Lock()
	n.receivers[r.id] = r
	n.mu.Unlock()
	return r
}

// Notify queues an event for broadcasting.
func (n *Notifier[T]) Notify(event T) {
	if n.closed.Load() {
		return
	}
	n.queueMu.Lock()
	n.queue.Push(event)
	n.queueMu.Unlock()
	select {
	case n.signalCh <- struct{}{}:
	default:
	}
}

func (n *Notifier[T]) pop() (T, bool) {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	return n.queue.Pop()
}

func (n *Notifier[T]) pending() int {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	return n.queue.Size()
}

// Flush waits until every event notified before the call is delivered.
// No new events should be notified concurrently.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.closeCh:
			return nil
		case <-n.synchronizeCh:
		}

		if n.pending() == 0 {
			return nil
		}
	}
}

// Close stops delivery and closes all receivers.
func (n *Notifier[T]) Close() {
	if n.closed.Swap(true) {
		return
	}
	close(n.closeCh)
	n.wg.Wait()

	n.mu.Lock()
	receivers := make([]*Receiver[T], 0, len(n.receivers))
	for _, r := range n.receivers {
		receivers = append(receivers, r)
	}
	n.mu.Unlock()
	for _, r := range receivers {
		r.Close()
	}
}

func (n *Notifier[T]) snapshotReceivers() []*Receiver[T] {
	n.mu.Lock()
	defer n.mu.Unlock()
	ret := make([]*Receiver[T], 0, len(n.receivers))
	for _, r := range n.receivers {
		ret = append(ret, r)
	}
	return ret
}

func (n *Notifier[T]) run() {
	defer close(n.synchronizeCh)

	for {
		select {
		case <-n.closeCh:
			return
		case n.synchronizeCh <- struct{}{}:
			// synchronization barrier for Flush and Receiver.Close
		case <-n.signalCh:
			for {
				event, ok := n.pop()
				if !ok {
					break
				}
				for _, r := range n.snapshotReceivers() {
					select {
					case <-n.closeCh:
						return
					case <-r.closed:
					case r.C <- event:
					}
				}
			}
		}
	}
}
