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

package sync

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed sync.Pool. Values handed out by Get are either recycled or
// built by the constructor given to NewPool.
type Pool[T any] interface {
	Get() T
	Put(T)
	// Outstanding returns Get calls minus Put calls.
	Outstanding() int64
}

type pool[T any] struct {
	internalPool sync.Pool
	reset        func(T)
	outstanding  atomic.Int64
}

func (p *pool[T]) Get() T {
	p.outstanding.Add(1)

	val, _ := p.internalPool.Get().(T)

	return val
}

func (p *pool[T]) Put(value T) {
	if p.reset != nil {
		p.reset(value)
	}
	p.internalPool.Put(value)
	p.outstanding.Add(-1)
}

func (p *pool[T]) Outstanding() int64 {
	return p.outstanding.Load()
}

// NewPool creates a pool. reset, when not nil, is applied to every value put back.
func NewPool[T any](newFn func() T, reset func(T)) Pool[T] {
	return &pool[T]{
		internalPool: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
		reset: reset,
	}
}
