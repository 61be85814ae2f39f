// Copyright (c) 2023 Paweł Gaczyński
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"sync/atomic"
)

// LockFreeQueue is a Michael-Scott queue. Any number of producers may enqueue
// concurrently with consumers.
type LockFreeQueue[T any] interface {
	Enqueue(value T)
	// Dequeue returns the oldest value and true, or the zero value and false when empty.
	Dequeue() (T, bool)
	IsEmpty() bool
	Size() int32
}

type msQueue[T any] struct {
	head      atomic.Pointer[node[T]]
	tail      atomic.Pointer[node[T]]
	queueSize atomic.Int32
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func NewQueue[T any]() LockFreeQueue[T] {
	sentinel := &node[T]{}
	q := &msQueue[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

func (q *msQueue[T]) Enqueue(value T) {
	n := &node[T]{value: value}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if tail != q.tail.Load() {
			continue
		}

		if next != nil {
			q.tail.CompareAndSwap(tail, next)

			continue
		}

		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.queueSize.Add(1)

			return
		}
	}
}

func (q *msQueue[T]) Dequeue() (T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		if head != q.head.Load() {
			continue
		}

		if head == tail {
			if next == nil {
				var zero T

				return zero, false
			}

			q.tail.CompareAndSwap(tail, next)

			continue
		}

		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.queueSize.Add(-1)

			return value, true
		}
	}
}

func (q *msQueue[T]) IsEmpty() bool {
	return q.queueSize.Load() == 0
}

func (q *msQueue[T]) Size() int32 {
	return q.queueSize.Load()
}
