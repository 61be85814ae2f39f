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

// Package dmamem implements a device-visible memory arena.
//
// The arena is a single anonymous shared mapping. Every block handed out is
// identified by a 32-bit device-space address, which is what descriptors carry.
// Both the host and the target side resolve addresses through the same arena,
// so the arena plays the role of coherent DMA memory.
package dmamem

import (
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// DefaultBase is the device-space address of the first arena byte.
	DefaultBase uint32 = 0x10000000
	// MinBlockSize is the smallest block and the alignment of every block.
	MinBlockSize = 64
	maxClasses   = 32
)

var pageSize = os.Getpagesize()

// Region is a block of device memory.
type Region struct {
	Addr uint32
	Size int
}

// IsZero reports whether the region was never allocated.
func (r Region) IsZero() bool {
	return r.Addr == 0
}

// End returns the first device address past the region.
func (r Region) End() uint32 {
	return r.Addr + uint32(r.Size)
}

type Arena struct {
	mu   sync.Mutex
	buf  []byte
	base uint32
	next int
	free [maxClasses][]int
	live map[int]int
	used int
}

func AdjustSize(size int) int {
	if size <= MinBlockSize {
		return MinBlockSize
	}

	return 1 << index(uint32(size))
}

func index(n uint32) uint32 {
	return uint32(bits.Len32(n - 1))
}

// New maps size bytes (rounded up to the page size) and places them at base in device space.
func New(size int, base uint32) (*Arena, error) {
	if size <= 0 {
		return nil, gainErrors.ErrorInvalidConfig("arena size %d", size)
	}

	if base == 0 || base%MinBlockSize != 0 {
		return nil, gainErrors.ErrorInvalidConfig("arena base %#x must be non-zero and %d aligned", base, MinBlockSize)
	}

	size = (size + pageSize - 1) / pageSize * pageSize
	if uint64(base)+uint64(size) > 1<<32 {
		return nil, gainErrors.ErrorInvalidConfig("arena [%#x, +%d) exceeds 32-bit device space", base, size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap device arena: %w", err)
	}

	return &Arena{
		buf:  buf,
		base: base,
		live: make(map[int]int),
	}, nil
}

// Close unmaps the arena. Regions must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf == nil {
		return nil
	}

	err := unix.Munmap(a.buf)
	a.buf = nil

	return err
}

// Alloc returns a zeroed block of at least n bytes.
func (a *Arena) Alloc(n int) (Region, error) {
	if n <= 0 {
		return Region{}, gainErrors.ErrorInvalidConfig("allocation size %d", n)
	}

	size := AdjustSize(n)
	idx := index(uint32(size))

	a.mu.Lock()
	defer a.mu.Unlock()

	var off int

	if list := a.free[idx]; len(list) > 0 {
		off = list[len(list)-1]
		a.free[idx] = list[:len(list)-1]
		clear(a.buf[off : off+size])
	} else {
		if a.next+size > len(a.buf) {
			return Region{}, fmt.Errorf("%w, requested: %d, in use: %d, capacity: %d",
				gainErrors.ErrOutOfMemory, size, a.used, len(a.buf))
		}
		off = a.next
		a.next += size
	}

	a.live[off] = size
	a.used += size

	return Region{Addr: a.base + uint32(off), Size: n}, nil
}

// Free returns the block to the arena. Freeing a block twice panics.
func (a *Arena) Free(r Region) {
	if r.IsZero() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	off := int(r.Addr - a.base)

	size, ok := a.live[off]
	if !ok {
		panic(fmt.Sprintf("dmamem: freeing block %#x that is not allocated", r.Addr))
	}

	delete(a.live, off)
	a.used -= size
	idx := index(uint32(size))
	a.free[idx] = append(a.free[idx], off)
}

// Bytes returns the CPU view of the region.
func (a *Arena) Bytes(r Region) []byte {
	b, ok := a.Slice(r.Addr, r.Size)
	if !ok {
		panic(fmt.Sprintf("dmamem: region %#x+%d outside of arena", r.Addr, r.Size))
	}

	return b
}

// Slice resolves a device address range to its CPU view.
func (a *Arena) Slice(addr uint32, n int) ([]byte, bool) {
	if !a.Contains(addr, n) {
		return nil, false
	}

	off := int(addr - a.base)

	return a.buf[off : off+n : off+n], true
}

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr uint32, n int) bool {
	if n < 0 || addr < a.base {
		return false
	}

	return uint64(addr-a.base)+uint64(n) <= uint64(len(a.buf))
}

// Load32 atomically reads the 32-bit word at addr in host byte order.
func (a *Arena) Load32(addr uint32) uint32 {
	return atomic.LoadUint32(a.word(addr))
}

// Store32 atomically writes the 32-bit word at addr.
func (a *Arena) Store32(addr uint32, value uint32) {
	atomic.StoreUint32(a.word(addr), value)
}

func (a *Arena) word(addr uint32) *uint32 {
	if addr%4 != 0 || !a.Contains(addr, 4) {
		panic(fmt.Sprintf("dmamem: unaligned or foreign word address %#x", addr))
	}

	return (*uint32)(unsafe.Pointer(&a.buf[addr-a.base]))
}

// InUse returns the number of bytes held by live blocks.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.used
}

// Base returns the device address of the first arena byte.
func (a *Arena) Base() uint32 {
	return a.base
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}
