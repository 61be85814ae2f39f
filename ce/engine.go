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
	"sync"

	"github.com/pawelgaczynski/htc/metrics"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	ringSrc = "src"
	ringDst = "dst"
)

// SendCompletion is a source descriptor the device has consumed.
type SendCompletion struct {
	Context any
	Bytes   int
	Tag     uint16
	Flags   uint32
}

// RecvCompletion is a destination descriptor the device has filled.
type RecvCompletion struct {
	Context any
	Addr    uint32
	Bytes   int
	Tag     uint16
	Flags   uint32
}

// SendItem is one element of a gather list.
type SendItem struct {
	Context any
	Addr    uint32
	Length  int
	Tag     uint16
	Flags   uint32
}

// CopyEngine owns a source ring (host to target) and/or a destination ring
// (target to host). Every ring index mutation and every register access
// happens under mu; nothing is called back while mu is held.
type CopyEngine struct {
	id     int
	attr   Attr
	regs   TargetRegisters
	memory Memory
	logger zerolog.Logger

	mu  sync.Mutex
	src *Ring
	dst *Ring

	watermarks       Watermarks
	srcAboveHigh     bool
	dstBelowLow      bool
	watermarkHandler WatermarkHandler

	halted  bool
	faulted error
}

// New allocates the rings of engine id. Registers are not touched until Init.
func New(id int, attr Attr, regs TargetRegisters, memory Memory, logger zerolog.Logger) (*CopyEngine, error) {
	if id < 0 || id >= MaxEngines {
		return nil, gainErrors.ErrorInvalidConfig("copy engine id %d", id)
	}

	if err := attr.validate(); err != nil {
		return nil, fmt.Errorf("ce %d: %w", id, err)
	}

	engine := &CopyEngine{
		id:     id,
		attr:   attr,
		regs:   regs,
		memory: memory,
		logger: logger.With().Int("ce", id).Logger(),
	}

	var err error

	if attr.SrcEntries > 0 {
		if engine.src, err = newRing(memory, attr.SrcEntries); err != nil {
			return nil, fmt.Errorf("ce %d source ring: %w", id, err)
		}
	}

	if attr.DstEntries > 0 {
		if engine.dst, err = newRing(memory, attr.DstEntries); err != nil {
			engine.freeRings()

			return nil, fmt.Errorf("ce %d destination ring: %w", id, err)
		}
	}

	return engine, nil
}

func (c *CopyEngine) ID() int {
	return c.id
}

func (c *CopyEngine) Attr() Attr {
	return c.attr
}

func (c *CopyEngine) HasSource() bool {
	return c.src != nil
}

func (c *CopyEngine) HasDestination() bool {
	return c.dst != nil
}

// Init programs ring geometry and picks up the device's current indexes.
func (c *CopyEngine) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	access, err := c.regs.Acquire()
	if err != nil {
		return c.faultLocked(err)
	}
	defer access.Release()

	access.Write(RegCtrl1, c.attr.ctrl1())

	if c.src != nil {
		access.Write(RegSrcRingBase, c.src.mem.Addr)
		access.Write(RegSrcRingSize, c.src.entries)
		access.Write(RegSrcMaxLength, uint32(c.attr.SrcMaxTransfer))

		index, err := access.Read(RegSrcReadIndex)
		if err != nil {
			return c.faultLocked(err)
		}

		c.src.reset(index)
		access.Write(RegSrcWriteIndex, index)
	}

	if c.dst != nil {
		access.Write(RegDstRingBase, c.dst.mem.Addr)
		access.Write(RegDstRingSize, c.dst.entries)

		index, err := access.Read(RegDstReadIndex)
		if err != nil {
			return c.faultLocked(err)
		}

		c.dst.reset(index)
		access.Write(RegDstWriteIndex, index)
	}

	c.halted = false
	c.logger.Debug().Interface("attr", c.attr).Msg("Copy engine initialized")

	return nil
}

// Close releases the ring memory. The device must not use the rings afterwards.
func (c *CopyEngine) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeRings()
}

func (c *CopyEngine) freeRings() {
	if c.src != nil {
		c.memory.Free(c.src.mem)
		c.src = nil
	}

	if c.dst != nil {
		c.memory.Free(c.dst.mem)
		c.dst = nil
	}
}

// SendEnqueue queues one buffer for transfer to the target. Unless flags has
// FlagGather, the new write index is published to the device.
func (c *CopyEngine) SendEnqueue(ctx any, addr uint32, length int, tag uint16, flags uint32) error {
	if length <= 0 || length > c.attr.SrcMaxTransfer {
		return gainErrors.ErrorMessageTooLarge(length, c.attr.SrcMaxTransfer)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(c.src); err != nil {
		return err
	}

	if c.src.full() {
		metrics.RecordRingFull(c.id, ringSrc)

		return gainErrors.ErrorNoSpace(c.id)
	}

	c.writeSendLocked(ctx, addr, length, tag, flags)

	if flags&FlagGather != 0 {
		return nil
	}

	return c.publishLocked(c.src, RegSrcWriteIndex, ringSrc)
}

// SendEnqueueList queues a gather list as one transfer: all items but the last
// carry FlagGather and only the last publishes the write index. Either all
// items are queued or none.
func (c *CopyEngine) SendEnqueueList(items []SendItem) error {
	if len(items) == 0 {
		return nil
	}

	for _, item := range items {
		if item.Length <= 0 || item.Length > c.attr.SrcMaxTransfer {
			return gainErrors.ErrorMessageTooLarge(item.Length, c.attr.SrcMaxTransfer)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(c.src); err != nil {
		return err
	}

	if int(c.src.free()) < len(items) {
		metrics.RecordRingFull(c.id, ringSrc)

		return gainErrors.ErrorNoSpace(c.id)
	}

	last := len(items) - 1
	for i, item := range items {
		flags := item.Flags &^ FlagGather
		if i != last {
			flags |= FlagGather
		}
		c.writeSendLocked(item.Context, item.Addr, item.Length, item.Tag, flags)
	}

	return c.publishLocked(c.src, RegSrcWriteIndex, ringSrc)
}

func (c *CopyEngine) writeSendLocked(ctx any, addr uint32, length int, tag uint16, flags uint32) {
	if c.attr.ByteSwap {
		flags |= FlagByteSwap
	}

	r := c.src
	StoreDescriptor(c.memory, r.descAddr(r.writeIndex), MakeDescriptor(addr, length, tag, flags))
	r.putContext(r.writeIndex, ctx)
	r.writeIndex++
	metrics.RecordEnqueue(c.id, ringSrc)
}

// RecvEnqueue posts an empty buffer of DstMaxTransfer bytes to the destination ring.
func (c *CopyEngine) RecvEnqueue(ctx any, addr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(c.dst); err != nil {
		return err
	}

	r := c.dst
	if r.full() {
		metrics.RecordRingFull(c.id, ringDst)

		return gainErrors.ErrorNoSpace(c.id)
	}

	// zero control word: pending until the device writes a length
	StoreDescriptor(c.memory, r.descAddr(r.writeIndex), Descriptor{Addr: addr})
	r.putContext(r.writeIndex, ctx)
	r.writeIndex++
	metrics.RecordEnqueue(c.id, ringDst)

	return c.publishLocked(r, RegDstWriteIndex, ringDst)
}

// publishLocked mirrors the write index into the shadow copy and rings the doorbell.
func (c *CopyEngine) publishLocked(r *Ring, register uint32, ring string) error {
	r.shadowWriteIndex = r.writeIndex

	access, err := c.regs.Acquire()
	if err != nil {
		return c.faultLocked(err)
	}
	access.Write(register, r.shadowWriteIndex)
	access.Release()
	metrics.RecordDoorbell(c.id, ring)

	return nil
}

// PeekBatchSend moves up to len(out) consumed source descriptors into out and
// returns their number. The device read index is fetched only when every
// previously fetched completion has been handed out. Calling it with nothing
// in flight returns 0 and changes nothing.
func (c *CopyEngine) PeekBatchSend(out []SendCompletion) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src == nil {
		return 0, nil
	}

	if c.faulted != nil {
		return 0, c.faulted
	}

	r := c.src
	if r.hwIndex == r.swIndex {
		if r.swIndex == r.writeIndex {
			return 0, nil
		}

		access, err := c.regs.Acquire()
		if err != nil {
			return 0, c.faultLocked(err)
		}
		hwIndex, err := access.Read(RegSrcReadIndex)
		access.Release()

		if err != nil {
			return 0, c.faultLocked(err)
		}

		if hwIndex-r.swIndex > r.writeIndex-r.swIndex {
			return 0, c.faultLocked(gainErrors.ErrorIndexOverrun(c.id, hwIndex, r.swIndex, r.writeIndex))
		}

		r.hwIndex = hwIndex
	}

	n := 0
	for n < len(out) && r.swIndex != r.hwIndex {
		desc := LoadDescriptor(c.memory, r.descAddr(r.swIndex))
		ctx, _ := r.takeContext(r.swIndex)
		out[n] = SendCompletion{
			Context: ctx,
			Bytes:   desc.Len(),
			Tag:     desc.Tag(),
			Flags:   desc.Flags(),
		}
		r.swIndex++
		n++
	}

	metrics.RecordCompletions(c.id, ringSrc, n)

	return n, nil
}

// PeekBatchRecv moves up to len(out) filled destination descriptors into out.
// A descriptor counts as filled only once its length is nonzero; the length is
// cleared again after it is consumed.
func (c *CopyEngine) PeekBatchRecv(out []RecvCompletion) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dst == nil {
		return 0, nil
	}

	if c.faulted != nil {
		return 0, c.faulted
	}

	r := c.dst
	n := 0

	for n < len(out) && r.swIndex != r.writeIndex {
		addr := r.descAddr(r.swIndex)

		desc := LoadDescriptor(c.memory, addr)
		if desc.Len() == 0 {
			break
		}

		SetControl(c.memory, addr, 0)

		ctx, _ := r.takeContext(r.swIndex)
		out[n] = RecvCompletion{
			Context: ctx,
			Addr:    desc.Addr,
			Bytes:   desc.Len(),
			Tag:     desc.Tag(),
			Flags:   desc.Flags(),
		}
		r.swIndex++
		r.hwIndex = r.swIndex
		n++
	}

	metrics.RecordCompletions(c.id, ringDst, n)

	return n, nil
}

// MarkHalted records that the device has stopped all DMA on this engine.
// Only then may pending ring contents be reclaimed.
func (c *CopyEngine) MarkHalted() {
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()
}

// CancelPendingSends hands every source descriptor that has not been reported
// complete back to fn, without touching registers.
func (c *CopyEngine) CancelPendingSends(fn func(SendCompletion)) error {
	c.mu.Lock()

	if !c.halted {
		c.mu.Unlock()

		return fmt.Errorf("%w, ce: %d", gainErrors.ErrDeviceNotHalted, c.id)
	}

	var cancelled []SendCompletion

	if r := c.src; r != nil {
		cancelled = make([]SendCompletion, 0, r.used())
		for ; r.swIndex != r.writeIndex; r.swIndex++ {
			desc := LoadDescriptor(c.memory, r.descAddr(r.swIndex))
			ctx, _ := r.takeContext(r.swIndex)
			cancelled = append(cancelled, SendCompletion{
				Context: ctx,
				Bytes:   desc.Len(),
				Tag:     desc.Tag(),
				Flags:   desc.Flags(),
			})
		}
		r.hwIndex = r.swIndex
	}
	c.mu.Unlock()

	for _, completion := range cancelled {
		fn(completion)
	}

	return nil
}

// RevokePendingRecvs hands every posted destination buffer back to fn.
func (c *CopyEngine) RevokePendingRecvs(fn func(RecvCompletion)) error {
	c.mu.Lock()

	if !c.halted {
		c.mu.Unlock()

		return fmt.Errorf("%w, ce: %d", gainErrors.ErrDeviceNotHalted, c.id)
	}

	var revoked []RecvCompletion

	if r := c.dst; r != nil {
		revoked = make([]RecvCompletion, 0, r.used())
		for ; r.swIndex != r.writeIndex; r.swIndex++ {
			addr := r.descAddr(r.swIndex)
			desc := LoadDescriptor(c.memory, addr)
			SetControl(c.memory, addr, 0)
			ctx, _ := r.takeContext(r.swIndex)
			revoked = append(revoked, RecvCompletion{Context: ctx, Addr: desc.Addr})
		}
		r.hwIndex = r.swIndex
	}
	c.mu.Unlock()

	for _, completion := range revoked {
		fn(completion)
	}

	return nil
}

// InterruptStatus returns the pending interrupt bits of this engine.
func (c *CopyEngine) InterruptStatus() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	access, err := c.regs.Acquire()
	if err != nil {
		return 0, c.faultLocked(err)
	}
	defer access.Release()

	status, err := access.Read(RegHostIS)
	if err != nil {
		return 0, c.faultLocked(err)
	}

	return status & IntAll, nil
}

// ClearInterrupts acknowledges the given interrupt bits.
func (c *CopyEngine) ClearInterrupts(mask uint32) error {
	return c.writeRegister(RegHostIS, mask&IntAll)
}

func (c *CopyEngine) EnableInterrupts() error {
	if c.attr.Flags&AttrNoInterrupts != 0 {
		return nil
	}

	return c.writeRegister(RegHostIE, IntAll)
}

func (c *CopyEngine) DisableInterrupts() error {
	return c.writeRegister(RegHostIE, 0)
}

func (c *CopyEngine) writeRegister(register uint32, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	access, err := c.regs.Acquire()
	if err != nil {
		return c.faultLocked(err)
	}
	access.Write(register, value)
	access.Release()

	return nil
}

// SrcState returns a snapshot of the source ring indexes.
func (c *CopyEngine) SrcState() RingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.src == nil {
		return RingState{}
	}

	return c.src.state()
}

// DstState returns a snapshot of the destination ring indexes.
func (c *CopyEngine) DstState() RingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dst == nil {
		return RingState{}
	}

	return c.dst.state()
}

// Fault returns the hardware fault that disabled the engine, if any.
func (c *CopyEngine) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.faulted
}

func (c *CopyEngine) usableLocked(r *Ring) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w, ce: %d, no ring in this direction", gainErrors.ErrInvalidState, c.id)
	case c.faulted != nil:
		return c.faulted
	case c.halted:
		return fmt.Errorf("%w, ce: %d, halted", gainErrors.ErrInvalidState, c.id)
	}

	return nil
}

// faultLocked latches hardware faults: once the bus is gone the engine stays unusable.
func (c *CopyEngine) faultLocked(err error) error {
	if c.faulted == nil && isHardwareFault(err) {
		c.faulted = err
		metrics.RecordHardwareFault(c.id)
		c.logger.Error().Err(err).Msg("Copy engine hardware fault")
	}

	return err
}
