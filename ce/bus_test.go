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
	"sync"
	"testing"

	"github.com/pawelgaczynski/htc/pkg/dmamem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBus is a register file with just enough device behaviour to drive one
// engine by hand from a test.
type fakeBus struct {
	mu         sync.Mutex
	regs       map[uint32]uint32
	depth      int
	poison     bool
	violations int
	writes     map[uint32]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs:   make(map[uint32]uint32),
		writes: make(map[uint32]int),
	}
}

func (b *fakeBus) AccessBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depth++

	return nil
}

func (b *fakeBus) AccessEnd() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depth--
}

func (b *fakeBus) Read32(addr uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.depth == 0 {
		b.violations++

		return poisonDeadBeef
	}

	if b.poison {
		return poisonAllOnes
	}

	return b.regs[addr]
}

func (b *fakeBus) Write32(addr uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.depth == 0 {
		b.violations++
	}

	b.writes[addr]++

	if _, offset, ok := EngineFromAddress(addr); ok && offset == RegHostIS {
		b.regs[addr] &^= value

		return
	}

	b.regs[addr] = value
}

func (b *fakeBus) reg(id int, offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.regs[Base(id)+offset]
}

func (b *fakeBus) setReg(id int, offset uint32, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[Base(id)+offset] = value
}

func (b *fakeBus) writeCount(id int, offset uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.writes[Base(id)+offset]
}

// completeSends plays the device consuming n source descriptors.
func (b *fakeBus) completeSends(id int, n int) {
	b.setReg(id, RegSrcReadIndex, b.reg(id, RegSrcReadIndex)+uint32(n))
}

// fillRecv plays the device writing data into the next posted destination buffer.
func (b *fakeBus) fillRecv(t *testing.T, arena *dmamem.Arena, id int, data []byte, tag uint16) {
	t.Helper()

	read := b.reg(id, RegDstReadIndex)
	require.NotEqual(t, b.reg(id, RegDstWriteIndex), read, "no destination buffer posted")

	entries := b.reg(id, RegDstRingSize)
	desc := b.reg(id, RegDstRingBase) + (read&(entries-1))*DescriptorSize
	addr := arena.Load32(desc)

	buf, ok := arena.Slice(addr, len(data))
	require.True(t, ok)
	copy(buf, data)
	SetControl(arena, desc, MakeDescriptor(addr, len(data), tag, 0).Control)

	b.setReg(id, RegDstReadIndex, read+1)
}

func newTestArena(t *testing.T) *dmamem.Arena {
	t.Helper()

	arena, err := dmamem.New(1<<20, dmamem.DefaultBase)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = arena.Close()
	})

	return arena
}

func newTestEngine(t *testing.T, bus *fakeBus, arena *dmamem.Arena, id int, attr Attr) *CopyEngine {
	t.Helper()

	engine, err := New(id, attr, NewTargetRegisters(bus, id), arena, zerolog.Nop())
	require.Nil(t, err)
	require.Nil(t, engine.Init())
	t.Cleanup(engine.Close)

	return engine
}
