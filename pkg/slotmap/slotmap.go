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

// Package slotmap implements a fixed-capacity, generation-tagged arena.
//
// Insert hands out an opaque Handle. A handle stays valid until the value is
// removed; after that the slot generation moves on and the old handle is
// rejected even if the slot has been reused.
package slotmap

import (
	"fmt"
	"sync"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// Handle identifies a value stored in a Map. The zero Handle is never issued.
type Handle uint64

const indexBits = 32

func makeHandle(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<indexBits | uint64(index))
}

func (h Handle) index() uint32 {
	return uint32(h)
}

func (h Handle) generation() uint32 {
	return uint32(h >> indexBits)
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.index(), h.generation())
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

type Map[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	size  int
}

// New creates a map able to hold capacity values at once.
func New[T any](capacity int) *Map[T] {
	m := &Map[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, capacity),
	}
	for i := range m.free {
		// pop from the tail hands out low indexes first
		m.free[i] = uint32(capacity - 1 - i)
		// generations start at 1 so that the zero Handle is never valid
		m.slots[i].generation = 1
	}

	return m
}

// Insert stores value and returns its handle, or ErrNoSpace when the map is full.
func (m *Map[T]) Insert(value T) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return 0, fmt.Errorf("%w, slot map capacity: %d", gainErrors.ErrNoSpace, len(m.slots))
	}

	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	s := &m.slots[idx]
	s.value = value
	s.occupied = true
	m.size++

	return makeHandle(idx, s.generation), nil
}

// Get returns the value behind handle.
func (m *Map[T]) Get(handle Handle) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.lookup(handle)
	if !ok {
		return getZero[T](), false
	}

	return s.value, true
}

// Remove takes the value out of the map. Ownership passes to the caller.
func (m *Map[T]) Remove(handle Handle) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.lookup(handle)
	if !ok {
		return getZero[T](), fmt.Errorf("%w: %s", gainErrors.ErrInvalidHandle, handle)
	}

	value := s.value
	s.value = getZero[T]()
	s.occupied = false
	s.generation++

	if s.generation == 0 {
		s.generation = 1
	}

	m.free = append(m.free, handle.index())
	m.size--

	return value, nil
}

// Drain removes every value and hands it to fn in index order.
func (m *Map[T]) Drain(fn func(Handle, T)) {
	m.mu.Lock()

	type entry struct {
		handle Handle
		value  T
	}

	entries := make([]entry, 0, m.size)

	for i := range m.slots {
		s := &m.slots[i]
		if !s.occupied {
			continue
		}
		entries = append(entries, entry{handle: makeHandle(uint32(i), s.generation), value: s.value})
		s.value = getZero[T]()
		s.occupied = false
		s.generation++

		if s.generation == 0 {
			s.generation = 1
		}

		m.free = append(m.free, uint32(i))
	}

	m.size = 0
	m.mu.Unlock()

	for _, e := range entries {
		fn(e.handle, e.value)
	}
}

// Len returns the number of stored values.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

// Cap returns the capacity the map was created with.
func (m *Map[T]) Cap() int {
	return len(m.slots)
}

func (m *Map[T]) lookup(handle Handle) (*slot[T], bool) {
	idx := handle.index()
	if int(idx) >= len(m.slots) {
		return nil, false
	}

	s := &m.slots[idx]
	if !s.occupied || s.generation != handle.generation() {
		return nil, false
	}

	return s, true
}

func getZero[T any]() T {
	var result T

	return result
}
