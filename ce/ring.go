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

package ce

import (
	"math/bits"

	"github.com/pawelgaczynski/htc/pkg/dmamem"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// transferContext is a side array entry. valid is false for the empty sentinel.
type transferContext struct {
	value any
	valid bool
}

// Ring is a circular array of descriptors in device memory.
//
// Indexes are free running 32-bit counters; the slot of an index is index & mask.
// writeIndex is the next slot the host fills, hwIndex the cached device
// consumption pointer and swIndex the oldest descriptor not yet handed back.
// writeIndex - swIndex is always within [0, entries].
type Ring struct {
	entries uint32
	mask    uint32

	writeIndex uint32
	hwIndex    uint32
	swIndex    uint32

	// shadowWriteIndex mirrors the last published writeIndex in plain memory.
	shadowWriteIndex uint32

	mem      dmamem.Region
	contexts []transferContext
}

// RingState is a snapshot of the ring indexes.
type RingState struct {
	Entries          int
	WriteIndex       uint32
	HwIndex          uint32
	SwIndex          uint32
	ShadowWriteIndex uint32
}

// InFlight returns the number of descriptors not yet handed back.
func (s RingState) InFlight() int {
	return int(s.WriteIndex - s.SwIndex)
}

func newRing(memory Memory, entries int) (*Ring, error) {
	if entries <= 0 || bits.OnesCount(uint(entries)) != 1 {
		return nil, gainErrors.ErrorInvalidConfig("ring entries %d is not a power of two", entries)
	}

	region, err := memory.Alloc(entries * DescriptorSize)
	if err != nil {
		return nil, err
	}

	return &Ring{
		entries:  uint32(entries),
		mask:     uint32(entries - 1),
		mem:      region,
		contexts: make([]transferContext, entries),
	}, nil
}

func (r *Ring) used() uint32 {
	return r.writeIndex - r.swIndex
}

func (r *Ring) free() uint32 {
	return r.entries - r.used()
}

func (r *Ring) full() bool {
	return r.used() == r.entries
}

func (r *Ring) slot(index uint32) uint32 {
	return index & r.mask
}

func (r *Ring) descAddr(index uint32) uint32 {
	return r.mem.Addr + r.slot(index)*DescriptorSize
}

func (r *Ring) putContext(index uint32, value any) {
	r.contexts[r.slot(index)] = transferContext{value: value, valid: true}
}

// takeContext hands the context over to the caller and leaves the sentinel behind.
func (r *Ring) takeContext(index uint32) (any, bool) {
	slot := r.slot(index)
	tc := r.contexts[slot]
	r.contexts[slot] = transferContext{}

	return tc.value, tc.valid
}

// reset places all indexes at index, as reported by the device at attach time.
func (r *Ring) reset(index uint32) {
	r.writeIndex = index
	r.hwIndex = index
	r.swIndex = index
	r.shadowWriteIndex = index
	clear(r.contexts)
}

func (r *Ring) state() RingState {
	return RingState{
		Entries:          int(r.entries),
		WriteIndex:       r.writeIndex,
		HwIndex:          r.hwIndex,
		SwIndex:          r.swIndex,
		ShadowWriteIndex: r.shadowWriteIndex,
	}
}
