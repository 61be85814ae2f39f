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

package simdev

import (
	"context"
	"testing"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
	. "github.com/stretchr/testify/require"
)

func newTestTarget(t *testing.T) (*Target, *dmamem.Arena) {
	t.Helper()

	arena, err := dmamem.New(1<<20, dmamem.DefaultBase)
	Nil(t, err)
	t.Cleanup(func() {
		_ = arena.Close()
	})

	return NewTarget(arena), arena
}

func newEngine(t *testing.T, target *Target, arena *dmamem.Arena, id int, attr ce.Attr) *ce.CopyEngine {
	t.Helper()

	engine, err := ce.New(id, attr, ce.NewTargetRegisters(target, id), arena, zerolog.Nop())
	Nil(t, err)
	Nil(t, engine.Init())
	t.Cleanup(engine.Close)

	return engine
}

func TestRegisterReadOutsideBracket(t *testing.T) {
	target, _ := newTestTarget(t)

	Equal(t, asleepValue, target.Read32(ce.Base(0)+ce.RegSrcReadIndex))
	target.Write32(ce.Base(0)+ce.RegSrcWriteIndex, 1)
	Equal(t, 2, target.Violations())

	Nil(t, target.AccessBegin())
	Zero(t, target.Read32(ce.Base(0)+ce.RegSrcWriteIndex))
	target.AccessEnd()
	Equal(t, 2, target.Violations())
}

func TestGatherTransferIsJoined(t *testing.T) {
	target, arena := newTestTarget(t)
	engine := newEngine(t, target, arena, 3, ce.Attr{SrcEntries: 8, SrcMaxTransfer: 4})

	region, err := arena.Alloc(10)
	Nil(t, err)
	copy(arena.Bytes(region), "0123456789")

	Nil(t, engine.SendEnqueueList([]ce.SendItem{
		{Addr: region.Addr, Length: 4},
		{Addr: region.Addr + 4, Length: 4},
		{Context: "last", Addr: region.Addr + 8, Length: 2},
	}))
	Nil(t, engine.SendEnqueue("single", region.Addr, 3, 0, 0))

	Equal(t, 2, target.Step())
	Equal(t, [][]byte{[]byte("0123456789"), []byte("012")}, target.Consumed(3))

	completions := make([]ce.SendCompletion, 8)
	n, err := engine.PeekBatchSend(completions)
	Nil(t, err)
	Equal(t, 4, n)
	Equal(t, "last", completions[2].Context)
	Equal(t, "single", completions[3].Context)

	select {
	case <-target.Interrupts():
		Fail(t, "interrupts are masked")
	default:
	}
}

func TestDeliverWaitsForBuffer(t *testing.T) {
	target, arena := newTestTarget(t)
	engine := newEngine(t, target, arena, 1, ce.Attr{DstEntries: 4, DstMaxTransfer: 64})
	Nil(t, engine.EnableInterrupts())

	target.Deliver(1, []byte("first"))
	target.Deliver(1, []byte("second"))
	target.Step()
	Equal(t, 2, target.Pending(1))

	region, err := arena.Alloc(64)
	Nil(t, err)
	Nil(t, engine.RecvEnqueue(region, region.Addr))

	target.Step()
	Equal(t, 1, target.Pending(1))
	<-target.Interrupts()

	summary, err := ce.PendingSummary(target)
	Nil(t, err)
	Equal(t, uint32(1<<1), summary)

	completions := make([]ce.RecvCompletion, 4)
	n, err := engine.PeekBatchRecv(completions)
	Nil(t, err)
	Equal(t, 1, n)
	Equal(t, []byte("first"), arena.Bytes(region)[:completions[0].Bytes])

	Nil(t, engine.ClearInterrupts(ce.IntAll))
	summary, err = ce.PendingSummary(target)
	Nil(t, err)
	Zero(t, summary)

	Nil(t, engine.RecvEnqueue(region, region.Addr))
	target.Step()
	Zero(t, target.Pending(1))

	n, err = engine.PeekBatchRecv(completions)
	Nil(t, err)
	Equal(t, 1, n)
	Equal(t, []byte("second"), arena.Bytes(region)[:completions[0].Bytes])

	// oversized transfers are dropped rather than truncated
	target.Deliver(1, make([]byte, 65))
	Nil(t, engine.RecvEnqueue(region, region.Addr))
	target.Step()
	Zero(t, target.Pending(1))

	n, err = engine.PeekBatchRecv(completions)
	Nil(t, err)
	Zero(t, n)
}

func TestDiagEngineCopies(t *testing.T) {
	target, arena := newTestTarget(t)
	engine := newEngine(t, target, arena, wire.PipeDiag, ce.Attr{
		Flags: ce.AttrDiag, SrcEntries: 2, SrcMaxTransfer: 64, DstEntries: 2, DstMaxTransfer: 64,
	})

	True(t, target.WriteRAM(RAMBase+0x100, []byte{1, 2, 3, 4}))

	region, err := arena.Alloc(4)
	Nil(t, err)
	Nil(t, engine.RecvEnqueue(nil, region.Addr))
	Nil(t, engine.SendEnqueue(nil, RAMBase+0x100, 4, 5, 0))

	Equal(t, 1, target.Step())
	Equal(t, []byte{1, 2, 3, 4}, arena.Bytes(region))

	recv := make([]ce.RecvCompletion, 1)
	n, err := engine.PeekBatchRecv(recv)
	Nil(t, err)
	Equal(t, 1, n)
	Equal(t, uint16(5), recv[0].Tag)
}

func TestHaltStopsProcessing(t *testing.T) {
	target, arena := newTestTarget(t)
	engine := newEngine(t, target, arena, 0, ce.Attr{SrcEntries: 4, SrcMaxTransfer: 64})

	Nil(t, target.Halt(context.Background()))
	True(t, target.Halted())

	Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0))
	Zero(t, target.Step())
	Equal(t, 1, engine.SrcState().InFlight())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ErrorIs(t, target.Halt(ctx), context.Canceled)
}

func TestPauseHoldsEngine(t *testing.T) {
	target, arena := newTestTarget(t)
	engine := newEngine(t, target, arena, 0, ce.Attr{SrcEntries: 4, SrcMaxTransfer: 64})

	target.Pause(0)
	Nil(t, engine.SendEnqueue(nil, arena.Base(), 8, 0, 0))
	Zero(t, target.Step())

	target.Resume(0)
	Equal(t, 1, target.Step())
}

func TestPoisonedTarget(t *testing.T) {
	target, _ := newTestTarget(t)
	target.InjectPoison()

	_, err := ce.PendingSummary(target)
	NotNil(t, err)
}
