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

package htc

import (
	"errors"
	"sync"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pawelgaczynski/htc/pkg/slotmap"
	"github.com/rs/zerolog"
)

// completion is a preallocated record carrying one harvested descriptor from
// the ring to its handler.
type completion struct {
	next *completion
	send ce.SendCompletion
	recv ce.RecvCompletion
}

type completionList struct {
	head, tail *completion
}

func (l *completionList) push(c *completion) {
	c.next = nil
	if l.tail == nil {
		l.head = c
	} else {
		l.tail.next = c
	}
	l.tail = c
}

func (l *completionList) pop() *completion {
	c := l.head
	if c == nil {
		return nil
	}

	l.head = c.next
	if l.head == nil {
		l.tail = nil
	}
	c.next = nil

	return c
}

// Pipe is the host side of one copy engine: send slot accounting for its
// source ring and receive buffer replenishment for its destination ring.
type Pipe struct {
	id        int
	engine    *ce.CopyEngine
	transport *Transport
	logger    zerolog.Logger

	mu           sync.Mutex
	sendsAllowed int

	// the fields below are only touched by the interrupt service
	free      *completion
	pending   completionList
	sendBatch []ce.SendCompletion
	recvBatch []ce.RecvCompletion
}

func newPipe(t *Transport, engine *ce.CopyEngine) *Pipe {
	attr := engine.Attr()
	p := &Pipe{
		id:           engine.ID(),
		engine:       engine,
		transport:    t,
		logger:       t.logger.With().Int("pipe", engine.ID()).Logger(),
		sendsAllowed: attr.SrcEntries,
		sendBatch:    make([]ce.SendCompletion, t.config.CompletionBatch),
		recvBatch:    make([]ce.RecvCompletion, t.config.CompletionBatch),
	}

	records := make([]completion, t.config.CompletionBatch)
	for i := range records {
		records[i].next = p.free
		p.free = &records[i]
	}

	return p
}

func (p *Pipe) ID() int {
	return p.id
}

func (p *Pipe) maxTransfer() int {
	return p.engine.Attr().SrcMaxTransfer
}

func (p *Pipe) bufferSize() int {
	return p.engine.Attr().DstMaxTransfer
}

// SendsAllowed returns the free send slots of the pipe.
func (p *Pipe) SendsAllowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sendsAllowed
}

// send queues a gather list as one transfer. It fails with ErrNoSpace without
// side effects when the pipe lacks slots for the whole list.
func (p *Pipe) send(items []ce.SendItem) error {
	p.mu.Lock()
	if p.sendsAllowed < len(items) {
		p.mu.Unlock()

		return gainErrors.ErrorNoSpace(p.id)
	}
	p.sendsAllowed -= len(items)
	p.mu.Unlock()

	var err error

	if len(items) == 1 {
		item := items[0]
		err = p.engine.SendEnqueue(item.Context, item.Addr, item.Length, item.Tag, item.Flags)
	} else {
		err = p.engine.SendEnqueueList(items)
	}

	if err != nil {
		p.returnSlots(len(items))
	}

	return err
}

func (p *Pipe) returnSlots(n int) {
	p.mu.Lock()
	p.sendsAllowed += n
	p.mu.Unlock()
}

func (p *Pipe) takeRecord() *completion {
	c := p.free
	if c == nil {
		return nil
	}
	p.free = c.next
	c.next = nil

	return c
}

func (p *Pipe) putRecord(c *completion) {
	*c = completion{next: p.free}
	p.free = c
}

// serviceSend harvests at most one batch of source completions, returns their
// slots and completes the transfers they end.
func (p *Pipe) serviceSend() (int, error) {
	if !p.engine.HasSource() {
		return 0, nil
	}

	n, err := p.engine.PeekBatchSend(p.sendBatch)
	if err != nil || n == 0 {
		return 0, err
	}

	p.returnSlots(n)

	for _, sc := range p.sendBatch[:n] {
		record := p.takeRecord()
		record.send = sc
		p.pending.push(record)
	}
	clear(p.sendBatch[:n])

	for record := p.pending.pop(); record != nil; record = p.pending.pop() {
		if handle, ok := record.send.Context.(slotmap.Handle); ok {
			p.transport.completeSend(handle, nil)
		}
		p.putRecord(record)
	}

	return n, nil
}

// serviceRecv harvests at most one batch of filled receive buffers, hands
// their contents to the transport and posts fresh buffers in their place.
func (p *Pipe) serviceRecv() (int, error) {
	if !p.engine.HasDestination() {
		return 0, nil
	}

	n, err := p.engine.PeekBatchRecv(p.recvBatch)
	if err != nil || n == 0 {
		return 0, err
	}

	for _, rc := range p.recvBatch[:n] {
		record := p.takeRecord()
		record.recv = rc
		p.pending.push(record)
	}
	clear(p.recvBatch[:n])

	if err := p.postRecvBuffers(); err != nil {
		return n, err
	}

	for record := p.pending.pop(); record != nil; record = p.pending.pop() {
		region, ok := record.recv.Context.(dmamem.Region)
		if ok {
			p.transport.handleRecv(p, p.transport.memory.Bytes(region)[:record.recv.Bytes])
			p.transport.memory.Free(region)
		}
		p.putRecord(record)
	}

	return n, nil
}

// postRecvBuffers fills the destination ring with fresh buffers.
func (p *Pipe) postRecvBuffers() error {
	if !p.engine.HasDestination() {
		return nil
	}

	state := p.engine.DstState()
	missing := state.Entries - state.InFlight()

	for i := 0; i < missing; i++ {
		region, err := p.transport.memory.Alloc(p.bufferSize())
		if err != nil {
			p.logger.Warn().Err(err).Msg("Receive buffer allocation error")

			return nil
		}

		if err := p.engine.RecvEnqueue(region, region.Addr); err != nil {
			p.transport.memory.Free(region)

			if errors.Is(err, gainErrors.ErrNoSpace) {
				return nil
			}

			return err
		}
	}

	return nil
}

// reclaim takes back every descriptor of a halted engine.
func (p *Pipe) reclaim(err error) {
	cancelErr := p.engine.CancelPendingSends(func(sc ce.SendCompletion) {
		p.returnSlots(1)

		if handle, ok := sc.Context.(slotmap.Handle); ok {
			p.transport.completeSend(handle, err)
		}
	})
	if cancelErr != nil {
		p.logger.Error().Err(cancelErr).Msg("Cancel pending sends error")
	}

	revokeErr := p.engine.RevokePendingRecvs(func(rc ce.RecvCompletion) {
		if region, ok := rc.Context.(dmamem.Region); ok {
			p.transport.memory.Free(region)
		}
	})
	if revokeErr != nil {
		p.logger.Error().Err(revokeErr).Msg("Revoke pending receives error")
	}
}
