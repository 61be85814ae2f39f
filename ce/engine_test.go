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
	"math/rand"
	"testing"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	sendAttr = Attr{SrcEntries: 8, SrcMaxTransfer: 2048}
	recvAttr = Attr{DstEntries: 8, DstMaxTransfer: 512}
)

func TestSendRingFullAndCompletions(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 3, sendAttr)

	buffer, err := arena.Alloc(64)
	require.Nil(t, err)

	for tag := 0; tag < 8; tag++ {
		require.Nil(t, engine.SendEnqueue(tag, buffer.Addr, 64, uint16(tag), 0))
	}

	err = engine.SendEnqueue(8, buffer.Addr, 64, 8, 0)
	require.ErrorIs(t, err, gainErrors.ErrNoSpace)
	require.Equal(t, 8, engine.SrcState().InFlight())
	require.Equal(t, uint32(8), bus.reg(3, RegSrcWriteIndex))

	bus.completeSends(3, 3)

	completions := make([]SendCompletion, 16)
	n, err := engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 3, n)

	for i, completion := range completions[:n] {
		require.Equal(t, i, completion.Context)
		require.Equal(t, uint16(i), completion.Tag)
		require.Equal(t, 64, completion.Bytes)
	}
	require.Equal(t, 5, engine.SrcState().InFlight())

	require.Nil(t, engine.SendEnqueue(8, buffer.Addr, 64, 8, 0))
	require.Equal(t, 6, engine.SrcState().InFlight())
}

func TestPeekBatchSendIdempotent(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 0, sendAttr)
	completions := make([]SendCompletion, 4)

	n, err := engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Zero(t, n)
	require.Equal(t, RingState{Entries: 8}, engine.SrcState())

	require.Nil(t, engine.SendEnqueue("a", arena.Base(), 8, 1, 0))
	state := engine.SrcState()

	for i := 0; i < 3; i++ {
		n, err = engine.PeekBatchSend(completions)
		require.Nil(t, err)
		require.Zero(t, n)
		require.Equal(t, state, engine.SrcState())
	}

	bus.completeSends(0, 1)
	n, err = engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "a", completions[0].Context)

	n, err = engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Zero(t, n)
}

func TestPeekBatchSendRespectsBatchSize(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 0, sendAttr)

	for i := 0; i < 6; i++ {
		require.Nil(t, engine.SendEnqueue(i, arena.Base(), 8, uint16(i), 0))
	}
	bus.completeSends(0, 6)

	completions := make([]SendCompletion, 4)
	n, err := engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 4, n)

	// the cached device index still covers the remaining two
	n, err = engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, completions[0].Context)
	require.Equal(t, 5, completions[1].Context)
	require.Zero(t, engine.SrcState().InFlight())
}

func TestRecvCompletionRequiresLength(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 1, recvAttr)

	var regions []uint32

	for i := 0; i < 2; i++ {
		region, err := arena.Alloc(recvAttr.DstMaxTransfer)
		require.Nil(t, err)
		regions = append(regions, region.Addr)
		require.Nil(t, engine.RecvEnqueue(region, region.Addr))
	}
	require.Equal(t, uint32(2), bus.reg(1, RegDstWriteIndex))

	// device moved its index but has not written the length yet
	bus.setReg(1, RegDstReadIndex, 1)

	completions := make([]RecvCompletion, 4)
	n, err := engine.PeekBatchRecv(completions)
	require.Nil(t, err)
	require.Zero(t, n)

	bus.setReg(1, RegDstReadIndex, 0)
	bus.fillRecv(t, arena, 1, []byte("payload"), 9)

	n, err = engine.PeekBatchRecv(completions)
	require.Nil(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, regions[0], completions[0].Addr)
	require.Equal(t, 7, completions[0].Bytes)
	require.Equal(t, uint16(9), completions[0].Tag)

	buf, ok := arena.Slice(completions[0].Addr, completions[0].Bytes)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), buf)

	// the consumed descriptor has its length cleared
	state := engine.DstState()
	desc := LoadDescriptor(arena, bus.reg(1, RegDstRingBase)+(state.SwIndex-1)%8*DescriptorSize)
	require.Zero(t, desc.Len())

	n, err = engine.PeekBatchRecv(completions)
	require.Nil(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, state.InFlight())
}

func TestRecvRingFull(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 2, recvAttr)

	for i := 0; i < recvAttr.DstEntries; i++ {
		require.Nil(t, engine.RecvEnqueue(i, arena.Base()))
	}

	require.ErrorIs(t, engine.RecvEnqueue(8, arena.Base()), gainErrors.ErrNoSpace)
	require.Equal(t, uint32(recvAttr.DstEntries), bus.reg(2, RegDstWriteIndex))
}

func TestIndexOverrunIsHardwareFault(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 3, sendAttr)

	require.Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0))
	require.Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 1, 0))

	bus.setReg(3, RegSrcReadIndex, 5)

	completions := make([]SendCompletion, 4)
	_, err := engine.PeekBatchSend(completions)
	require.ErrorIs(t, err, gainErrors.ErrHardwareFault)
	require.NotNil(t, engine.Fault())

	// latched: the engine refuses work even once the index looks sane again
	bus.setReg(3, RegSrcReadIndex, 2)
	require.ErrorIs(t, engine.SendEnqueue(nil, arena.Base(), 8, 2, 0), gainErrors.ErrHardwareFault)
	_, err = engine.PeekBatchSend(completions)
	require.ErrorIs(t, err, gainErrors.ErrHardwareFault)
}

func TestPoisonReadIsHardwareFault(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 0, sendAttr)

	require.Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0))

	bus.mu.Lock()
	bus.poison = true
	bus.mu.Unlock()

	_, err := engine.PeekBatchSend(make([]SendCompletion, 1))
	require.ErrorIs(t, err, gainErrors.ErrHardwareFault)

	_, err = engine.InterruptStatus()
	require.ErrorIs(t, err, gainErrors.ErrHardwareFault)

	_, err = PendingSummary(bus)
	require.ErrorIs(t, err, gainErrors.ErrHardwareFault)
	require.Zero(t, bus.violations)
}

func TestRegisterAccessOutsideBracketPanics(t *testing.T) {
	bus := newFakeBus()

	access, err := NewTargetRegisters(bus, 0).Acquire()
	require.Nil(t, err)
	access.Release()
	access.Release()

	require.Panics(t, func() {
		_, _ = access.Read(RegSrcReadIndex)
	})
	require.Panics(t, func() {
		access.Write(RegSrcWriteIndex, 1)
	})
	require.Zero(t, bus.depth)
}

func TestCancelAndRevokeRequireHalt(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 5, Attr{
		SrcEntries: 4, SrcMaxTransfer: 256, DstEntries: 4, DstMaxTransfer: 256,
	})

	for i := 0; i < 3; i++ {
		require.Nil(t, engine.SendEnqueue(i, arena.Base(), 16, uint16(i), 0))
		require.Nil(t, engine.RecvEnqueue(i+10, arena.Base()))
	}
	bus.completeSends(5, 1)

	var cancelled []any
	err := engine.CancelPendingSends(func(c SendCompletion) {
		cancelled = append(cancelled, c.Context)
	})
	require.ErrorIs(t, err, gainErrors.ErrDeviceNotHalted)

	err = engine.RevokePendingRecvs(func(RecvCompletion) {})
	require.ErrorIs(t, err, gainErrors.ErrDeviceNotHalted)
	require.Empty(t, cancelled)

	engine.MarkHalted()

	require.Nil(t, engine.CancelPendingSends(func(c SendCompletion) {
		cancelled = append(cancelled, c.Context)
	}))
	require.Equal(t, []any{0, 1, 2}, cancelled)
	require.Zero(t, engine.SrcState().InFlight())

	var revoked []any
	require.Nil(t, engine.RevokePendingRecvs(func(c RecvCompletion) {
		revoked = append(revoked, c.Context)
	}))
	require.Equal(t, []any{10, 11, 12}, revoked)
	require.Zero(t, engine.DstState().InFlight())

	require.ErrorIs(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0), gainErrors.ErrInvalidState)

	// second cancel has nothing left
	cancelled = cancelled[:0]
	require.Nil(t, engine.CancelPendingSends(func(c SendCompletion) {
		cancelled = append(cancelled, c.Context)
	}))
	require.Empty(t, cancelled)
}

func TestGatherSendPublishesOnLastFragment(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 4, sendAttr)
	initialWrites := bus.writeCount(4, RegSrcWriteIndex)

	require.Nil(t, engine.SendEnqueue(nil, arena.Base(), 100, 1, FlagGather))
	require.Nil(t, engine.SendEnqueue(nil, arena.Base()+100, 100, 1, FlagGather))
	require.Equal(t, initialWrites, bus.writeCount(4, RegSrcWriteIndex))
	require.Zero(t, bus.reg(4, RegSrcWriteIndex))

	require.Nil(t, engine.SendEnqueue("bundle", arena.Base()+200, 50, 1, 0))
	require.Equal(t, initialWrites+1, bus.writeCount(4, RegSrcWriteIndex))
	require.Equal(t, uint32(3), bus.reg(4, RegSrcWriteIndex))

	base := bus.reg(4, RegSrcRingBase)
	require.True(t, LoadDescriptor(arena, base).Gather())
	require.True(t, LoadDescriptor(arena, base+DescriptorSize).Gather())
	require.False(t, LoadDescriptor(arena, base+2*DescriptorSize).Gather())
}

func TestSendEnqueueList(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 4, Attr{SrcEntries: 4, SrcMaxTransfer: 256})

	require.Nil(t, engine.SendEnqueue("single", arena.Base(), 8, 0, 0))
	require.Nil(t, engine.SendEnqueue("single", arena.Base(), 8, 0, 0))

	items := []SendItem{
		{Addr: arena.Base(), Length: 256, Tag: 7},
		{Addr: arena.Base() + 256, Length: 256, Tag: 7},
		{Context: "bundle", Addr: arena.Base() + 512, Length: 10, Tag: 7},
	}

	// all or nothing
	require.ErrorIs(t, engine.SendEnqueueList(items), gainErrors.ErrNoSpace)
	require.Equal(t, 2, engine.SrcState().InFlight())

	bus.completeSends(4, 2)
	_, err := engine.PeekBatchSend(make([]SendCompletion, 4))
	require.Nil(t, err)

	writes := bus.writeCount(4, RegSrcWriteIndex)
	require.Nil(t, engine.SendEnqueueList(items))
	require.Equal(t, writes+1, bus.writeCount(4, RegSrcWriteIndex))
	require.Equal(t, uint32(5), bus.reg(4, RegSrcWriteIndex))

	bus.completeSends(4, 3)
	completions := make([]SendCompletion, 4)
	n, err := engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 3, n)
	require.Nil(t, completions[0].Context)
	require.Equal(t, FlagGather, completions[0].Flags)
	require.Nil(t, completions[1].Context)
	require.Equal(t, "bundle", completions[2].Context)
	require.Zero(t, completions[2].Flags)

	items[1].Length = 257
	require.ErrorIs(t, engine.SendEnqueueList(items), gainErrors.ErrMessageTooLarge)
}

func TestSendEnqueueLength(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 0, sendAttr)

	require.ErrorIs(t, engine.SendEnqueue(nil, arena.Base(), 2049, 0, 0), gainErrors.ErrMessageTooLarge)
	require.ErrorIs(t, engine.SendEnqueue(nil, arena.Base(), 0, 0, 0), gainErrors.ErrMessageTooLarge)
	require.ErrorIs(t, engine.RecvEnqueue(nil, arena.Base()), gainErrors.ErrInvalidState)
}

func TestByteSwapAttribute(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	attr := sendAttr
	attr.ByteSwap = true
	attr.DstEntries = 2
	attr.DstMaxTransfer = 128
	engine := newTestEngine(t, bus, arena, 6, attr)

	require.Equal(t, uint32(128)|Ctrl1SrcByteSwap|Ctrl1DstByteSwap, bus.reg(6, RegCtrl1))

	require.Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 3, 0))
	desc := LoadDescriptor(arena, bus.reg(6, RegSrcRingBase))
	require.Equal(t, FlagByteSwap, desc.Flags())
	require.Equal(t, "ByteSwap", desc.FlagsString())
	require.Equal(t, uint16(3), desc.Tag())
}

func TestInitAdoptsDeviceIndexes(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	bus.setReg(2, RegSrcReadIndex, 13)
	engine := newTestEngine(t, bus, arena, 2, sendAttr)

	state := engine.SrcState()
	require.Equal(t, uint32(13), state.WriteIndex)
	require.Equal(t, uint32(13), state.SwIndex)
	require.Equal(t, uint32(13), bus.reg(2, RegSrcWriteIndex))

	require.Nil(t, engine.SendEnqueue("x", arena.Base(), 8, 0, 0))
	desc := LoadDescriptor(arena, bus.reg(2, RegSrcRingBase)+(13&7)*DescriptorSize)
	require.Equal(t, 8, desc.Len())
}

func TestIndexesWrapAround(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	bus.setReg(0, RegSrcReadIndex, ^uint32(0)-2)
	engine := newTestEngine(t, bus, arena, 0, sendAttr)

	for i := 0; i < 8; i++ {
		require.Nil(t, engine.SendEnqueue(i, arena.Base(), 8, uint16(i), 0))
	}
	require.ErrorIs(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0), gainErrors.ErrNoSpace)

	bus.completeSends(0, 8)
	completions := make([]SendCompletion, 8)
	n, err := engine.PeekBatchSend(completions)
	require.Nil(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, 7, completions[7].Context)
	require.Equal(t, uint32(5), engine.SrcState().SwIndex)
}

func TestInterruptRegisters(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 1, recvAttr)

	require.Nil(t, engine.EnableInterrupts())
	require.Equal(t, IntAll, bus.reg(1, RegHostIE))

	bus.setReg(1, RegHostIS, IntCopyComplete|IntDstWatermarkLow)
	status, err := engine.InterruptStatus()
	require.Nil(t, err)
	require.Equal(t, IntCopyComplete|IntDstWatermarkLow, status)

	require.Nil(t, engine.ClearInterrupts(IntCopyComplete))
	status, err = engine.InterruptStatus()
	require.Nil(t, err)
	require.Equal(t, IntDstWatermarkLow, status)

	require.Nil(t, engine.DisableInterrupts())
	require.Zero(t, bus.reg(1, RegHostIE))

	polled := newTestEngine(t, bus, arena, 4, Attr{Flags: AttrNoInterrupts, SrcEntries: 4, SrcMaxTransfer: 64})
	require.Nil(t, polled.EnableInterrupts())
	require.Zero(t, bus.reg(4, RegHostIE))
}

func TestWatermarks(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 3, Attr{
		SrcEntries: 8, SrcMaxTransfer: 64, DstEntries: 8, DstMaxTransfer: 64,
	})

	var events []WatermarkEvent

	err := engine.SetWatermarks(Watermarks{SrcLow: 9, SrcHigh: 6}, nil)
	require.ErrorIs(t, err, gainErrors.ErrInvalidConfig)

	require.Nil(t, engine.SetWatermarks(Watermarks{SrcLow: 2, SrcHigh: 6, DstLow: 2, DstHigh: 6},
		func(_ *CopyEngine, event WatermarkEvent) {
			events = append(events, event)
		}))
	require.Equal(t, uint32(2)<<16|6, bus.reg(3, RegSrcWatermark))

	buffer, err := arena.Alloc(64)
	require.Nil(t, err)

	for i := 0; i < 8; i++ {
		require.Nil(t, engine.RecvEnqueue(i, buffer.Addr))
	}

	for i := 0; i < 6; i++ {
		require.Nil(t, engine.SendEnqueue(i, buffer.Addr, 8, 0, 0))
	}
	engine.CheckWatermarks()
	require.Equal(t, []WatermarkEvent{SrcHigh}, events)

	// no repeat while still above
	engine.CheckWatermarks()
	require.Len(t, events, 1)

	bus.completeSends(3, 4)
	_, err = engine.PeekBatchSend(make([]SendCompletion, 8))
	require.Nil(t, err)

	for i := 0; i < 6; i++ {
		bus.fillRecv(t, arena, 3, []byte{1}, 0)
	}
	_, err = engine.PeekBatchRecv(make([]RecvCompletion, 8))
	require.Nil(t, err)

	engine.CheckWatermarks()
	require.Equal(t, []WatermarkEvent{SrcHigh, SrcLow, DstLow}, events)

	for i := 0; i < 4; i++ {
		require.Nil(t, engine.RecvEnqueue(i, buffer.Addr))
	}
	engine.CheckWatermarks()
	require.Equal(t, []WatermarkEvent{SrcHigh, SrcLow, DstLow, DstHigh}, events)
	require.Equal(t, "dst-high", DstHigh.String())
}

// TestRandomInterleaving drives enqueue, device progress and polling in a
// random order and checks that every context comes back exactly once, in
// order, and that the ring never reports more than its capacity.
func TestRandomInterleaving(t *testing.T) {
	bus, arena := newFakeBus(), newTestArena(t)
	engine := newTestEngine(t, bus, arena, 0, Attr{SrcEntries: 16, SrcMaxTransfer: 64})

	rnd := rand.New(rand.NewSource(7))
	completions := make([]SendCompletion, 16)
	next, expected, deviceConsumed := 0, 0, 0

	for step := 0; step < 20000; step++ {
		switch rnd.Intn(3) {
		case 0:
			err := engine.SendEnqueue(next, arena.Base(), 1+rnd.Intn(64), uint16(next)&TagMask, 0)
			if next-expected == 16 {
				require.ErrorIs(t, err, gainErrors.ErrNoSpace)
			} else {
				require.Nil(t, err)
				next++
			}
		case 1:
			if pending := next - deviceConsumed; pending > 0 {
				k := 1 + rnd.Intn(pending)
				bus.completeSends(0, k)
				deviceConsumed += k
			}
		case 2:
			n, err := engine.PeekBatchSend(completions[:1+rnd.Intn(len(completions))])
			require.Nil(t, err)
			for _, completion := range completions[:n] {
				require.Equal(t, expected, completion.Context)
				require.Equal(t, uint16(expected)&TagMask, completion.Tag)
				expected++
			}
			require.LessOrEqual(t, expected, deviceConsumed)
		}

		state := engine.SrcState()
		require.LessOrEqual(t, state.InFlight(), state.Entries)
		require.Equal(t, next-expected, state.InFlight())
	}
}
