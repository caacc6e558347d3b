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

package containers

import (
	"github.com/edwingeng/deque"
)

// Deque is a typed double ended queue of pending work. It is not
// thread-safe, the owner serializes access.
type Deque[T any] struct {
	deque deque.Deque
}

// NewDeque creates an empty Deque.
func NewDeque[T any]() *Deque[T] {
	return &Deque[T]{deque: deque.NewDeque()}
}

// Push appends elem to the back.
func (d *Deque[T]) Push(elem T) {
	d.deque.PushBack(elem)
}

// PushFront puts elem to the front, so that work which has to be retried
// goes before work not yet tried.
func (d *Deque[T]) PushFront(elem T) {
	d.deque.PushFront(elem)
}

// Pop removes and returns the front element.
func (d *Deque[T]) Pop() (T, bool) {
	if d.deque.Empty() {
		var noVal T
		return noVal, false
	}
	return d.deque.PopFront().(T), true
}

// Drain removes all elements and returns them in queue order.
func (d *Deque[T]) Drain() []T {
	ret := make([]T, 0, d.deque.Len())
	for !d.deque.Empty() {
		ret = append(ret, d.deque.PopFront().(T))
	}
	return ret
}

// Size returns the number of elements.
func (d *Deque[T]) Size() int {
	return d.deque.Len()
}
