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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/pawelgaczynski/htc/metrics"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
)

type EndpointState int

const (
	EndpointIdle EndpointState = iota
	EndpointQueued
	EndpointSent
	EndpointAwaitingCredit
	EndpointHalted
)

func (s EndpointState) String() string {
	switch s {
	case EndpointIdle:
		return "idle"
	case EndpointQueued:
		return "queued"
	case EndpointSent:
		return "sent"
	case EndpointAwaitingCredit:
		return "awaiting-credit"
	case EndpointHalted:
		return "halted"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// errTransferReclaimed is returned by submit when the batch was completed by a
// concurrent stop before it reached the ring.
var errTransferReclaimed = errors.New("transfer reclaimed")

// txSink is where an endpoint hands admitted messages and completion notices.
type txSink interface {
	submit(ep *Endpoint, batch []*packet) error
	notifyTx(ep *Endpoint, context any, err error)
}

type endpointConfig struct {
	id         wire.EndpointID
	service    wire.ServiceID
	ulPipe     int
	dlPipe     int
	credits    int
	creditSize int
	maxMsgSize int
	// queueDepth bounds the transmit queue; zero or less means unbounded.
	queueDepth int
	creditFlow bool

	bundling            bool
	bundleMinQueueDepth int
	maxBundleCredits    int
}

// EndpointStats is a snapshot of the endpoint counters. CreditsGranted
// includes the initial allocation, so CreditsGranted - CreditsConsumed always
// equals Credits.
type EndpointStats struct {
	Credits         int
	CreditsGranted  int64
	CreditsConsumed int64
	Queued          int
	InFlight        int
	TxMessages      int64
	TxBundles       int64
	RxMessages      int64
	RxSeqErrors     int64
}

// Endpoint is one connected service. Messages are sent in the order Send is
// called and only while the endpoint holds enough credits.
type Endpoint struct {
	config  endpointConfig
	handler ServiceHandler
	sink    txSink
	logger  zerolog.Logger

	mu               sync.Mutex
	txQueue          *deque.Deque[*packet]
	credits          int
	creditsPerMaxMsg int
	seq              uint8
	inFlight         int
	halted           error
	stats            EndpointStats
	rxSeq            uint8
	rxSeqValid       bool

	// draining admits one drainer at a time; extra callers bump it and leave.
	draining atomic.Int32
}

func newEndpoint(config endpointConfig, handler ServiceHandler, sink txSink, logger zerolog.Logger) *Endpoint {
	if handler == nil {
		handler = DefaultServiceHandler{}
	}

	ep := &Endpoint{
		config:  config,
		handler: handler,
		sink:    sink,
		logger:  logger.With().Uint8("eid", uint8(config.id)).Stringer("service", config.service).Logger(),
		txQueue: deque.New[*packet](),
	}
	ep.resetCreditsLocked(config.credits)

	return ep
}

func (ep *Endpoint) ID() wire.EndpointID {
	return ep.config.id
}

func (ep *Endpoint) Service() wire.ServiceID {
	return ep.config.service
}

func (ep *Endpoint) MaxMsgSize() int {
	return ep.config.maxMsgSize
}

func (ep *Endpoint) serviceHandler() ServiceHandler {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.handler
}

func (ep *Endpoint) Credits() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.credits
}

func (ep *Endpoint) Stats() EndpointStats {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	stats := ep.stats
	stats.Credits = ep.credits
	stats.Queued = ep.txQueue.Len()
	stats.InFlight = ep.inFlight

	return stats
}

func (ep *Endpoint) State() EndpointState {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch {
	case ep.halted != nil:
		return EndpointHalted
	case ep.txQueue.Len() > 0 && ep.config.creditFlow && ep.credits < ep.creditsFor(ep.txQueue.Front()):
		return EndpointAwaitingCredit
	case ep.txQueue.Len() > 0:
		return EndpointQueued
	case ep.inFlight > 0:
		return EndpointSent
	default:
		return EndpointIdle
	}
}

// Send queues payload for transmission. The payload is copied, so the caller
// may reuse it right away. context comes back in OnTxComplete.
func (ep *Endpoint) Send(payload []byte, context any) error {
	if len(payload) > ep.config.maxMsgSize {
		return gainErrors.ErrorMessageTooLarge(len(payload), ep.config.maxMsgSize)
	}

	ep.mu.Lock()

	if ep.halted != nil {
		err := ep.halted
		ep.mu.Unlock()

		return err
	}

	if ep.config.queueDepth > 0 && ep.txQueue.Len() >= ep.config.queueDepth {
		ep.mu.Unlock()

		return fmt.Errorf("%w, endpoint: %d, queue depth: %d", gainErrors.ErrNoSpace, ep.config.id, ep.config.queueDepth)
	}

	pkt := packetPool.Get()
	pkt.payload = append(pkt.payload[:0], payload...)
	pkt.context = context
	ep.txQueue.PushBack(pkt)
	depth := ep.txQueue.Len()
	ep.mu.Unlock()

	metrics.SetTxQueueDepth(int(ep.config.id), depth)
	ep.trySend()

	return nil
}

func (ep *Endpoint) creditsFor(pkt *packet) int {
	if !ep.config.creditFlow {
		return 0
	}

	return (pkt.frameSize() + ep.config.creditSize - 1) / ep.config.creditSize
}

// trySend drains the transmit queue. Concurrent callers collapse into the
// running drainer, which loops once more on their behalf.
func (ep *Endpoint) trySend() {
	if ep.draining.Add(1) > 1 {
		return
	}

	for {
		ep.drain()

		if ep.draining.Add(-1) == 0 {
			return
		}
		ep.draining.Store(1)
	}
}

func (ep *Endpoint) drain() {
	for {
		batch := ep.admit()
		if len(batch) == 0 {
			return
		}

		err := ep.sink.submit(ep, batch)
		if err == nil {
			ep.onSubmitted(batch)

			continue
		}

		if errors.Is(err, errTransferReclaimed) {
			continue
		}

		if errors.Is(err, gainErrors.ErrNoSpace) || errors.Is(err, gainErrors.ErrOutOfMemory) {
			ep.logger.Debug().Err(err).Int("messages", len(batch)).Msg("Pipe full, messages stay queued")
			ep.rollback(batch, true)

			return
		}

		ep.logger.Error().Err(err).Int("messages", len(batch)).Msg("Submit error")
		ep.rollback(batch, false)
		ep.completeTx(batch, err)
	}
}

// admit pops the messages that can go out as one transfer and debits their
// credits. It returns nil when the queue is empty or the head message does not
// have enough credits.
func (ep *Endpoint) admit() []*packet {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.halted != nil || ep.txQueue.Len() == 0 {
		return nil
	}

	head := ep.txQueue.Front()
	if ep.credits < ep.creditsFor(head) {
		return nil
	}

	queued := ep.txQueue.Len()
	batch := []*packet{ep.admitFrontLocked()}

	if ep.bundleEligible(queued) {
		batch = ep.extendBundleLocked(batch)
	}

	return batch
}

func (ep *Endpoint) admitFrontLocked() *packet {
	pkt := ep.txQueue.PopFront()
	pkt.credits = ep.creditsFor(pkt)
	ep.credits -= pkt.credits
	ep.stats.CreditsConsumed += int64(pkt.credits)

	pkt.seq = ep.seq
	ep.seq++

	pkt.needCredit = ep.config.creditFlow && ep.credits <= ep.creditsPerMaxMsg
	ep.inFlight++

	return pkt
}

// rollback undoes admit for a batch that could not be submitted.
func (ep *Endpoint) rollback(batch []*packet, requeue bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		pkt := batch[i]
		ep.credits += pkt.credits
		ep.stats.CreditsConsumed -= int64(pkt.credits)
		pkt.credits = 0
		pkt.needCredit = false

		if requeue {
			ep.inFlight--
			ep.txQueue.PushFront(pkt)
		}
	}

	ep.seq -= uint8(len(batch))
}

func (ep *Endpoint) onSubmitted(batch []*packet) {
	credits := 0
	for _, pkt := range batch {
		credits += pkt.credits
	}

	ep.mu.Lock()
	ep.stats.TxMessages += int64(len(batch))
	if len(batch) > 1 {
		ep.stats.TxBundles++
	}
	depth := ep.txQueue.Len()
	ep.mu.Unlock()

	if credits > 0 {
		metrics.RecordCreditsConsumed(int(ep.config.id), credits)
	}
	metrics.SetTxQueueDepth(int(ep.config.id), depth)
}

// completeTx reports the messages of a finished or failed transfer and
// recycles them.
func (ep *Endpoint) completeTx(batch []*packet, err error) {
	ep.mu.Lock()
	ep.inFlight -= len(batch)
	ep.mu.Unlock()

	for _, pkt := range batch {
		ep.sink.notifyTx(ep, pkt.context, err)
		packetPool.Put(pkt)
	}
}

// addCredits applies a credit report from the target and resumes sending.
func (ep *Endpoint) addCredits(credits int) {
	if credits <= 0 {
		return
	}

	ep.mu.Lock()
	ep.credits += credits
	ep.stats.CreditsGranted += int64(credits)
	ep.mu.Unlock()

	metrics.RecordCreditsGranted(int(ep.config.id), credits)
	ep.logger.Trace().Int("credits", credits).Msg("Credits returned")

	ep.trySend()
}

func (ep *Endpoint) resetCreditsLocked(credits int) {
	ep.credits = credits
	ep.stats.CreditsGranted = int64(credits)
	ep.stats.CreditsConsumed = 0
	ep.seq = 0
	ep.rxSeqValid = false
	ep.creditsPerMaxMsg = 1

	if ep.config.creditFlow && ep.config.creditSize > 0 {
		ep.creditsPerMaxMsg = max(1, (wire.FrameSize(ep.config.maxMsgSize)+ep.config.creditSize-1)/ep.config.creditSize)
	}
}

// reset rebinds the endpoint after a reconnect. Credit state is rebuilt from
// the new allocation; queued messages stay queued.
func (ep *Endpoint) reset(config endpointConfig, handler ServiceHandler) {
	if handler == nil {
		handler = DefaultServiceHandler{}
	}

	ep.mu.Lock()
	ep.config = config
	ep.handler = handler
	ep.halted = nil
	ep.resetCreditsLocked(config.credits)
	ep.mu.Unlock()

	ep.trySend()
}

// halt fails every queued message with err and refuses new ones.
func (ep *Endpoint) halt(err error) {
	ep.mu.Lock()
	if ep.halted != nil {
		ep.mu.Unlock()

		return
	}
	ep.halted = err

	queued := make([]*packet, 0, ep.txQueue.Len())
	for ep.txQueue.Len() > 0 {
		queued = append(queued, ep.txQueue.PopFront())
	}
	ep.mu.Unlock()

	metrics.SetTxQueueDepth(int(ep.config.id), 0)

	for _, pkt := range queued {
		ep.sink.notifyTx(ep, pkt.context, err)
		packetPool.Put(pkt)
	}
}

// recordRx counts a received message and checks its sequence number.
func (ep *Endpoint) recordRx(seq uint8) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.stats.RxMessages++

	if ep.rxSeqValid && seq != ep.rxSeq {
		ep.stats.RxSeqErrors++
		ep.logger.Warn().Uint8("seq", seq).Uint8("expected", ep.rxSeq).Msg("Receive sequence gap")
	}
	ep.rxSeq = seq + 1
	ep.rxSeqValid = true
}
