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

// Package simdev is an in-process copy engine target. It exposes the register
// window through ce.Bus, performs descriptor DMA against a dmamem arena and
// raises interrupts on a channel.
package simdev

import (
	"context"
	"sync"
	"time"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
)

const (
	// RAMBase is where target RAM appears for diagnostic transfers.
	RAMBase uint32 = 0x00400000

	DefaultRAMSize      = 64 << 10
	DefaultPollInterval = time.Millisecond

	poisonValue  uint32 = 0xffffffff
	asleepValue  uint32 = 0xdeadbeef
	allEngineIDs        = ce.MaxEngines
)

// TransferHandler receives every host-to-target transfer, with gather
// fragments already joined. It runs without target locks held and may call
// Target.Deliver.
type TransferHandler interface {
	HandleTransfer(engine int, data []byte)
}

type Config struct {
	RAMSize      int
	DiagEngine   int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type Option func(*Config)

func WithRAMSize(size int) Option {
	return func(c *Config) {
		c.RAMSize = size
	}
}

func WithDiagEngine(id int) Option {
	return func(c *Config) {
		c.DiagEngine = id
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

type engineState struct {
	gather   []byte
	outbound [][]byte
	consumed [][]byte
	paused   bool
}

// Target is the simulated device. All register state lives behind mu; Step
// serializes device processing.
type Target struct {
	config Config
	logger zerolog.Logger
	memory *dmamem.Arena

	mu         sync.Mutex
	regs       map[uint32]uint32
	awake      int
	violations int
	poisoned   bool
	halted     bool
	ram        []byte
	engines    [allEngineIDs]engineState
	handler    TransferHandler

	stepMu sync.Mutex
	irq    chan struct{}
	kick   chan struct{}
}

func NewTarget(memory *dmamem.Arena, opts ...Option) *Target {
	config := Config{
		RAMSize:      DefaultRAMSize,
		DiagEngine:   wire.PipeDiag,
		PollInterval: DefaultPollInterval,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &Target{
		config: config,
		logger: config.Logger,
		memory: memory,
		regs:   make(map[uint32]uint32),
		ram:    make([]byte, config.RAMSize),
		irq:    make(chan struct{}, 1),
		kick:   make(chan struct{}, 1),
	}
}

// SetHandler installs the consumer of host-to-target transfers. Without one,
// transfers are kept and can be fetched with Consumed.
func (t *Target) SetHandler(handler TransferHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *Target) AccessBegin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.awake++

	return nil
}

func (t *Target) AccessEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.awake == 0 {
		t.violations++

		return
	}
	t.awake--
}

func (t *Target) Read32(addr uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.awake == 0 {
		t.violations++

		return asleepValue
	}

	if t.poisoned {
		return poisonValue
	}

	if addr == ce.RegWrapperIntSummary {
		return t.summaryLocked()
	}

	return t.regs[addr]
}

func (t *Target) Write32(addr uint32, value uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.awake == 0 {
		t.violations++

		return
	}

	if t.poisoned {
		return
	}

	_, offset, ok := ce.EngineFromAddress(addr)
	if !ok {
		t.regs[addr] = value

		return
	}

	switch offset {
	case ce.RegHostIS:
		t.regs[addr] &^= value
	case ce.RegSrcWriteIndex, ce.RegDstWriteIndex:
		t.regs[addr] = value
		t.doorbell()
	default:
		t.regs[addr] = value
	}
}

func (t *Target) doorbell() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Target) summaryLocked() uint32 {
	var summary uint32

	for id := 0; id < allEngineIDs; id++ {
		base := ce.Base(id)
		if t.regs[base+ce.RegHostIS]&t.regs[base+ce.RegHostIE] != 0 {
			summary |= 1 << id
		}
	}

	return summary
}

// Interrupts delivers one notification per burst of raised interrupts.
func (t *Target) Interrupts() <-chan struct{} {
	return t.irq
}

func (t *Target) raiseLocked() {
	if t.summaryLocked() == 0 {
		return
	}

	select {
	case t.irq <- struct{}{}:
	default:
	}
}

// Run processes doorbells until ctx is done.
func (t *Target) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.kick:
		case <-ticker.C:
		}

		for t.Step() > 0 {
		}
	}
}

type transfer struct {
	engine int
	data   []byte
}

// Step consumes posted source descriptors, hands complete transfers to the
// handler, and fills destination buffers with queued outbound data. It returns
// the number of transfers moved in either direction.
func (t *Target) Step() int {
	t.stepMu.Lock()
	defer t.stepMu.Unlock()

	t.mu.Lock()
	if t.halted || t.poisoned {
		t.mu.Unlock()

		return 0
	}

	var transfers []transfer

	moved := 0

	for id := 0; id < allEngineIDs; id++ {
		if t.engines[id].paused {
			continue
		}

		if id == t.config.DiagEngine {
			moved += t.diagLocked(id)

			continue
		}

		transfers = t.consumeSourceLocked(id, transfers)
	}

	handler := t.handler
	if handler == nil {
		for _, tr := range transfers {
			t.engines[tr.engine].consumed = append(t.engines[tr.engine].consumed, tr.data)
		}
	}
	t.raiseLocked()
	t.mu.Unlock()

	if handler != nil {
		for _, tr := range transfers {
			handler.HandleTransfer(tr.engine, tr.data)
		}
	}

	t.mu.Lock()
	moved += len(transfers) + t.flushOutboundLocked()
	t.raiseLocked()
	t.mu.Unlock()

	return moved
}

func (t *Target) ringLocked(id int, sizeReg, baseReg uint32) (size uint32, ringBase uint32) {
	base := ce.Base(id)

	return t.regs[base+sizeReg], t.regs[base+baseReg]
}

func (t *Target) consumeSourceLocked(id int, out []transfer) []transfer {
	size, ringBase := t.ringLocked(id, ce.RegSrcRingSize, ce.RegSrcRingBase)
	if size == 0 {
		return out
	}

	base := ce.Base(id)
	write, read := t.regs[base+ce.RegSrcWriteIndex], t.regs[base+ce.RegSrcReadIndex]
	if write-read > size {
		t.logger.Error().Int("ce", id).Uint32("write", write).Uint32("read", read).Msg("Source write index beyond ring")

		return out
	}

	state := &t.engines[id]
	start := read

	for ; read != write; read++ {
		desc := ce.LoadDescriptor(t.memory, ringBase+(read&(size-1))*ce.DescriptorSize)

		data, ok := t.memory.Slice(desc.Addr, desc.Len())
		if !ok {
			t.logger.Error().Int("ce", id).Uint32("addr", desc.Addr).Int("len", desc.Len()).Msg("Source buffer outside host memory")
		} else {
			state.gather = append(state.gather, data...)
		}

		if !desc.Gather() {
			out = append(out, transfer{engine: id, data: state.gather})
			state.gather = nil
		}
	}

	if read != start {
		t.regs[base+ce.RegSrcReadIndex] = read
		t.regs[base+ce.RegHostIS] |= ce.IntCopyComplete
	}

	return out
}

// Deliver queues data for the next free destination buffer of engine id.
func (t *Target) Deliver(id int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := &t.engines[id]
	state.outbound = append(state.outbound, append([]byte(nil), data...))
}

func (t *Target) flushOutboundLocked() int {
	delivered := 0

	for id := 0; id < allEngineIDs; id++ {
		state := &t.engines[id]
		if state.paused {
			continue
		}

		for len(state.outbound) > 0 {
			ok, consumed := t.fillDestinationLocked(id, state.outbound[0])
			if !consumed {
				break
			}
			state.outbound[0] = nil
			state.outbound = state.outbound[1:]

			if ok {
				delivered++
			}
		}
	}

	return delivered
}

// fillDestinationLocked writes data into the next posted buffer. consumed is
// false when no buffer is posted; ok is false when data had to be dropped.
func (t *Target) fillDestinationLocked(id int, data []byte) (ok bool, consumed bool) {
	size, ringBase := t.ringLocked(id, ce.RegDstRingSize, ce.RegDstRingBase)
	if size == 0 {
		return false, false
	}

	base := ce.Base(id)
	write, read := t.regs[base+ce.RegDstWriteIndex], t.regs[base+ce.RegDstReadIndex]
	if read == write {
		return false, false
	}

	maxLength := int(t.regs[base+ce.RegCtrl1] & ce.Ctrl1DstMaxLengthMask)
	if len(data) == 0 || len(data) > maxLength {
		t.logger.Error().Int("ce", id).Int("len", len(data)).Int("max", maxLength).Msg("Dropping outbound transfer")

		return false, true
	}

	descAddr := ringBase + (read&(size-1))*ce.DescriptorSize
	desc := ce.LoadDescriptor(t.memory, descAddr)

	buf, found := t.resolveLocked(desc.Addr, len(data))
	if !found {
		t.logger.Error().Int("ce", id).Uint32("addr", desc.Addr).Msg("Destination buffer outside memory")

		return false, true
	}

	copy(buf, data)
	ce.SetControl(t.memory, descAddr, ce.MakeDescriptor(desc.Addr, len(data), 0, 0).Control)
	t.regs[base+ce.RegDstReadIndex] = read + 1
	t.regs[base+ce.RegHostIS] |= ce.IntCopyComplete

	return true, true
}

// diagLocked pairs source and destination descriptors one to one and copies
// between host memory and target RAM.
func (t *Target) diagLocked(id int) int {
	srcSize, srcRing := t.ringLocked(id, ce.RegSrcRingSize, ce.RegSrcRingBase)
	dstSize, dstRing := t.ringLocked(id, ce.RegDstRingSize, ce.RegDstRingBase)

	if srcSize == 0 || dstSize == 0 {
		return 0
	}

	base := ce.Base(id)
	moved := 0

	for {
		srcRead, dstRead := t.regs[base+ce.RegSrcReadIndex], t.regs[base+ce.RegDstReadIndex]
		if srcRead == t.regs[base+ce.RegSrcWriteIndex] || dstRead == t.regs[base+ce.RegDstWriteIndex] {
			break
		}

		srcDesc := ce.LoadDescriptor(t.memory, srcRing+(srcRead&(srcSize-1))*ce.DescriptorSize)
		dstAddr := dstRing + (dstRead&(dstSize-1))*ce.DescriptorSize
		dstDesc := ce.LoadDescriptor(t.memory, dstAddr)
		n := srcDesc.Len()

		from, okFrom := t.resolveLocked(srcDesc.Addr, n)
		to, okTo := t.resolveLocked(dstDesc.Addr, n)

		if okFrom && okTo {
			copy(to, from)
		} else {
			t.logger.Error().Uint32("from", srcDesc.Addr).Uint32("to", dstDesc.Addr).Int("len", n).Msg("Diagnostic transfer outside memory")
		}

		ce.SetControl(t.memory, dstAddr, ce.MakeDescriptor(dstDesc.Addr, n, srcDesc.Tag(), 0).Control)
		t.regs[base+ce.RegSrcReadIndex] = srcRead + 1
		t.regs[base+ce.RegDstReadIndex] = dstRead + 1
		t.regs[base+ce.RegHostIS] |= ce.IntCopyComplete
		moved++
	}

	return moved
}

func (t *Target) resolveLocked(addr uint32, n int) ([]byte, bool) {
	if buf, ok := t.memory.Slice(addr, n); ok {
		return buf, true
	}

	if addr >= RAMBase && uint64(addr-RAMBase)+uint64(n) <= uint64(len(t.ram)) {
		off := addr - RAMBase

		return t.ram[off : off+uint32(n)], true
	}

	return nil, false
}

// Halt stops all device processing and waits for a running Step to finish.
// It is the confirmation that no DMA is in flight.
func (t *Target) Halt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.stepMu.Lock()
	defer t.stepMu.Unlock()

	t.mu.Lock()
	t.halted = true
	t.mu.Unlock()

	t.logger.Debug().Msg("Target halted")

	return nil
}

func (t *Target) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.halted
}

// Pause stops processing of one engine until Resume.
func (t *Target) Pause(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines[id].paused = true
}

func (t *Target) Resume(id int) {
	t.mu.Lock()
	t.engines[id].paused = false
	t.mu.Unlock()
	t.doorbell()
}

// InjectPoison makes every register read return the bus error pattern.
func (t *Target) InjectPoison() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poisoned = true
}

// InjectIndexOverrun reports completions beyond the host's write index and
// raises an interrupt so the host notices.
func (t *Target) InjectIndexOverrun(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := ce.Base(id)
	t.regs[base+ce.RegSrcReadIndex] = t.regs[base+ce.RegSrcWriteIndex] + 3
	t.regs[base+ce.RegHostIS] |= ce.IntCopyComplete
	t.raiseLocked()
}

// Violations counts register accesses made outside of an access bracket.
func (t *Target) Violations() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.violations
}

// Register returns the raw value of a per engine register.
func (t *Target) Register(id int, offset uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.regs[ce.Base(id)+offset]
}

// DstMaxLength is the destination buffer size the host programmed for engine id.
func (t *Target) DstMaxLength(id int) int {
	return int(t.Register(id, ce.RegCtrl1) & ce.Ctrl1DstMaxLengthMask)
}

// Consumed returns and forgets the transfers taken from engine id while no handler was set.
func (t *Target) Consumed(id int) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	consumed := t.engines[id].consumed
	t.engines[id].consumed = nil

	return consumed
}

// Pending returns the number of outbound transfers still waiting for a host buffer.
func (t *Target) Pending(id int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.engines[id].outbound)
}

func (t *Target) WriteRAM(addr uint32, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.resolveLocked(addr, len(data))
	if ok {
		copy(buf, data)
	}

	return ok
}

func (t *Target) ReadRAM(addr uint32, n int) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.resolveLocked(addr, n)
	if !ok {
		return nil, false
	}

	return append([]byte(nil), buf...), true
}
