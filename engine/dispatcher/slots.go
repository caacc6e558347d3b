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

package dispatcher

import "sync"

// nodeSlots counts the jobs dispatched to every compute node by all the
// cycles of a dispatcher. A cycle that found no free slot is woken up
// once a slot is released.
type nodeSlots struct {
	mu       sync.Mutex
	inflight map[string]int
	waiters  map[*CycleHandle]struct{}
}

func newNodeSlots() *nodeSlots {
	return &nodeSlots{
		inflight: make(map[string]int),
		waiters:  make(map[*CycleHandle]struct{}),
	}
}

// acquire takes a slot of nodeID if less than limit jobs are dispatched to
// it. Otherwise h is registered to be rescheduled on the next release.
// Non-positive limit means unbounded.
func (s *nodeSlots) acquire(nodeID string, limit int, h *CycleHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && s.inflight[nodeID] >= limit {
		s.waiters[h] = struct{}{}
		return false
	}
	s.inflight[nodeID]++
	return true
}

// release returns a slot of nodeID. It may be called with the lock of a
// cycle held, so waiters are rescheduled asynchronously.
func (s *nodeSlots) release(nodeID string) {
	s.mu.Lock()
	if s.inflight[nodeID]--; s.inflight[nodeID] <= 0 {
		delete(s.inflight, nodeID)
	}
	waiters := s.waiters
	if len(waiters) > 0 {
		s.waiters = make(map[*CycleHandle]struct{})
	}
	s.mu.Unlock()

	for h := range waiters {
		go h.reschedule()
	}
}

// forget drops h from the waiters, once its cycle finished.
func (s *nodeSlots) forget(h *CycleHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, h)
}

func (s *nodeSlots) used(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[nodeID]
}
