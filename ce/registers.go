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
	"fmt"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// MaxEngines is the number of copy engines a target exposes.
const MaxEngines = 8

// Per engine register offsets, relative to Base(id).
const (
	RegSrcRingBase   uint32 = 0x00
	RegSrcRingSize   uint32 = 0x04
	RegDstRingBase   uint32 = 0x08
	RegDstRingSize   uint32 = 0x0c
	RegCtrl1         uint32 = 0x10
	RegSrcMaxLength  uint32 = 0x14
	RegHostIE        uint32 = 0x2c
	RegHostIS        uint32 = 0x30
	RegSrcWriteIndex uint32 = 0x3c
	RegDstWriteIndex uint32 = 0x40
	RegSrcReadIndex  uint32 = 0x44
	RegDstReadIndex  uint32 = 0x48
	RegSrcWatermark  uint32 = 0x4c
	RegDstWatermark  uint32 = 0x50
)

// RegCtrl1 bits.
const (
	Ctrl1DstMaxLengthMask uint32 = 0xffff
	Ctrl1SrcByteSwap      uint32 = 1 << 16
	Ctrl1DstByteSwap      uint32 = 1 << 17
)

// RegHostIS / RegHostIE bits. RegHostIS is write-one-to-clear.
const (
	IntCopyComplete uint32 = 1 << iota
	IntSrcWatermarkHigh
	IntSrcWatermarkLow
	IntDstWatermarkHigh
	IntDstWatermarkLow

	IntWatermarkMask = IntSrcWatermarkHigh | IntSrcWatermarkLow | IntDstWatermarkHigh | IntDstWatermarkLow
	IntAll           = IntCopyComplete | IntWatermarkMask
)

const (
	engineBaseAddress  uint32 = 0x00057400
	engineStride       uint32 = 0x400
	wrapperBaseAddress uint32 = 0x0005b000

	// RegWrapperIntSummary has one bit per engine with a pending interrupt.
	RegWrapperIntSummary = wrapperBaseAddress + 0x0
)

// Register values that indicate the bus is gone rather than a real value.
const (
	poisonAllOnes  uint32 = 0xffffffff
	poisonDeadBeef uint32 = 0xdeadbeef
)

// Base returns the register window address of engine id.
func Base(id int) uint32 {
	return engineBaseAddress + uint32(id)*engineStride
}

// EngineFromAddress maps an absolute register address back to an engine and offset.
func EngineFromAddress(addr uint32) (id int, offset uint32, ok bool) {
	if addr < engineBaseAddress || addr >= engineBaseAddress+MaxEngines*engineStride {
		return 0, 0, false
	}

	rel := addr - engineBaseAddress

	return int(rel / engineStride), rel % engineStride, true
}

// Bus is the raw register interface of the target. Register reads and writes
// are only valid between AccessBegin and AccessEnd; brackets may nest.
type Bus interface {
	// AccessBegin makes sure the target clock and power domain are awake.
	AccessBegin() error
	AccessEnd()
	Read32(addr uint32) uint32
	Write32(addr uint32, value uint32)
}

// TargetRegisters is the register window of one copy engine. Registers can
// only be touched through an Access obtained from Acquire.
type TargetRegisters struct {
	bus  Bus
	base uint32
	id   int
}

func NewTargetRegisters(bus Bus, id int) TargetRegisters {
	return TargetRegisters{bus: bus, base: Base(id), id: id}
}

// Acquire wakes the target and returns an access handle which must be released.
func (t TargetRegisters) Acquire() (Access, error) {
	if t.bus == nil {
		return Access{}, fmt.Errorf("%w, ce: %d, no bus", gainErrors.ErrInvalidState, t.id)
	}

	if err := t.bus.AccessBegin(); err != nil {
		return Access{}, fmt.Errorf("%w, ce: %d, target access: %v", gainErrors.ErrHardwareFault, t.id, err)
	}

	return Access{regs: t, held: true}, nil
}

// Access is a live target access bracket.
type Access struct {
	regs TargetRegisters
	held bool
}

// Read returns the register at offset, or ErrHardwareFault when the value is a bus poison pattern.
func (a *Access) Read(offset uint32) (uint32, error) {
	a.mustHold()

	value := a.regs.bus.Read32(a.regs.base + offset)
	if isPoison(value) {
		return value, gainErrors.ErrorHardwareFault(a.regs.id, offset, value)
	}

	return value, nil
}

func (a *Access) Write(offset uint32, value uint32) {
	a.mustHold()
	a.regs.bus.Write32(a.regs.base+offset, value)
}

func (a *Access) Release() {
	if a.held {
		a.held = false
		a.regs.bus.AccessEnd()
	}
}

func (a *Access) mustHold() {
	if !a.held {
		panic(fmt.Sprintf("ce %d: register access outside of target access bracket", a.regs.id))
	}
}

// PendingSummary returns the engines that have an interrupt pending, one bit per engine.
func PendingSummary(bus Bus) (uint32, error) {
	if err := bus.AccessBegin(); err != nil {
		return 0, fmt.Errorf("%w, target access: %v", gainErrors.ErrHardwareFault, err)
	}
	defer bus.AccessEnd()

	value := bus.Read32(RegWrapperIntSummary)
	if isPoison(value) {
		return 0, gainErrors.ErrorHardwareFault(-1, RegWrapperIntSummary, value)
	}

	return value & (1<<MaxEngines - 1), nil
}

func isPoison(value uint32) bool {
	return value == poisonAllOnes || value == poisonDeadBeef
}
