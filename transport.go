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
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/logger"
	"github.com/pawelgaczynski/htc/metrics"
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pawelgaczynski/htc/pkg/slotmap"
	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	detached uint32 = iota
	attached
	stopping
	stopped
	failed
)

func stateName(state uint32) string {
	switch state {
	case detached:
		return "detached"
	case attached:
		return "attached"
	case stopping:
		return "stopping"
	case stopped:
		return "stopped"
	case failed:
		return "failed"
	default:
		return fmt.Sprintf("state-%d", state)
	}
}

// Target is the device side of the interconnect: its register bus, an
// interrupt line and a way to stop all DMA.
type Target interface {
	ce.Bus
	// Interrupts signals that the interrupt summary may have changed.
	Interrupts() <-chan struct{}
	// Halt returns once the device stopped touching host memory.
	Halt(ctx context.Context) error
}

// DeviceMemory is host memory the device can reach by address.
type DeviceMemory interface {
	ce.Memory
	Bytes(r dmamem.Region) []byte
}

// Transport multiplexes service endpoints over the copy engine pipes of one
// device and dispatches its interrupts.
type Transport struct {
	config Config
	target Target
	memory DeviceMemory
	logger zerolog.Logger

	state atomic.Uint32

	pipes    [ce.MaxEngines]*Pipe
	engines  []*ce.CopyEngine
	diag     *ce.CopyEngine
	diagMu   sync.Mutex
	diagTag  uint16
	diagErr  error
	inflight *slotmap.Map[*txRecord]
	delivery *delivery

	mu               sync.RWMutex
	endpoints        [wire.MaxEndpoints]*Endpoint
	ready            wire.Ready
	readyCh          chan struct{}
	waiters          map[wire.ServiceID]chan wire.ConnectServiceResponse
	failure          error
	failureHandler   FailureHandler
	watermarkHandler WatermarkHandler

	isrMu    sync.Mutex
	rearm    chan struct{}
	stopped  chan struct{}
	running  atomic.Bool
	runDone  chan struct{}
	failOnce sync.Once
}

// New creates a transport for target. Nothing touches the device until Attach.
func New(target Target, memory DeviceMemory, config Config) (*Transport, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	log := logger.NewLogger(logger.ComponentTransport, config.LoggerLevel, config.PrettyLogger)

	return &Transport{
		config:   config,
		target:   target,
		memory:   memory,
		logger:   log,
		delivery: newDelivery(config, log),
		readyCh:  make(chan struct{}),
		waiters:  make(map[wire.ServiceID]chan wire.ConnectServiceResponse),
		rearm:    make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		runDone:  make(chan struct{}),
	}, nil
}

// SetLogger replaces the transport logger. Call before Attach.
func (t *Transport) SetLogger(logger zerolog.Logger) {
	t.logger = logger
	t.delivery.logger = logger
}

func (t *Transport) SetFailureHandler(handler FailureHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureHandler = handler
}

func (t *Transport) SetWatermarkHandler(handler WatermarkHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watermarkHandler = handler
}

func (t *Transport) Config() Config {
	return t.config
}

// Pipe returns the pipe on copy engine id, or nil.
func (t *Transport) Pipe(id int) *Pipe {
	if id < 0 || id >= len(t.pipes) {
		return nil
	}

	return t.pipes[id]
}

// Failure returns the hardware fault that disabled the transport, if any.
func (t *Transport) Failure() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.failure
}

// Attach allocates the rings, programs the engines, posts receive buffers and
// opens the control endpoint.
func (t *Transport) Attach() error {
	if !t.state.CompareAndSwap(detached, attached) {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(t.state.Load()))
	}

	if err := t.attach(); err != nil {
		t.closeEngines()
		t.state.Store(detached)

		return err
	}

	t.logInfo().Int("engines", len(t.engines)).Msg("Transport attached")

	return nil
}

func (t *Transport) attach() error {
	slots := 0

	for id, attr := range t.config.Engines {
		if !attr.HasSource() && !attr.HasDestination() {
			continue
		}

		engine, err := ce.New(id, attr, ce.NewTargetRegisters(t.target, id), t.memory, t.logger)
		if err != nil {
			return err
		}
		t.engines = append(t.engines, engine)

		if err = engine.Init(); err != nil {
			return err
		}

		if attr.Flags&ce.AttrDiag != 0 {
			t.diag = engine

			continue
		}

		pipe := newPipe(t, engine)
		t.pipes[id] = pipe
		slots += attr.SrcEntries

		if t.config.Watermarks {
			if err = t.setWatermarks(pipe); err != nil {
				return err
			}
		}
	}

	t.inflight = slotmap.New[*txRecord](max(slots, 1))

	for _, pipe := range t.pipes {
		if pipe == nil {
			continue
		}

		if err := pipe.postRecvBuffers(); err != nil {
			return err
		}
	}

	control := t.config.Engines[wire.PipeControlOut]
	t.endpoints[wire.EndpointControl] = newEndpoint(endpointConfig{
		id:         wire.EndpointControl,
		service:    wire.ServiceControl,
		ulPipe:     wire.PipeControlOut,
		dlPipe:     wire.PipeHostIn,
		maxMsgSize: control.SrcMaxTransfer - wire.HeaderSize,
	}, nil, t, t.logger)

	for _, engine := range t.engines {
		if err := engine.EnableInterrupts(); err != nil {
			return err
		}
	}

	return nil
}

// setWatermarks arms events at a quarter and three quarters of each ring. A
// drained receive ring gets refilled on the spot.
func (t *Transport) setWatermarks(pipe *Pipe) error {
	attr := pipe.engine.Attr()

	var w ce.Watermarks

	if attr.SrcEntries >= 4 {
		w.SrcLow, w.SrcHigh = attr.SrcEntries/4, attr.SrcEntries*3/4
	}

	if attr.DstEntries >= 4 {
		w.DstLow, w.DstHigh = attr.DstEntries/4, attr.DstEntries*3/4
	}

	return pipe.engine.SetWatermarks(w, func(engine *ce.CopyEngine, event ce.WatermarkEvent) {
		if event == ce.DstLow {
			if err := pipe.postRecvBuffers(); err != nil {
				t.logError(err).Int("pipe", pipe.id).Msg("Receive refill error")
			}
		}

		t.mu.RLock()
		handler := t.watermarkHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(engine.ID(), event)
		}
	})
}

// Run services interrupts and delivers callbacks until ctx is done or the
// transport stops. It returns the hardware fault that killed the device, if
// any.
func (t *Transport) Run(ctx context.Context) error {
	if t.state.Load() != attached {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(t.state.Load()))
	}

	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w, transport already running", gainErrors.ErrInvalidState)
	}
	defer close(t.runDone)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return t.dispatch(ctx)
	})
	group.Go(func() error {
		return t.delivery.run(ctx, t.stopped)
	})

	return group.Wait()
}

func (t *Transport) dispatch(ctx context.Context) error {
	if t.config.LockOSThread || t.config.CPUAffinity {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if t.config.CPUAffinity {
		if err := setAffinity(t.config.AffinityCPU); err != nil {
			t.logWarn().Err(err).Int("cpu", t.config.AffinityCPU).Msg("Dispatcher affinity error")
		}
	}

	if t.config.ProcessPriority {
		if err := setProcessPriority(); err != nil {
			t.logWarn().Err(err).Msg("Process priority error")
		}
	}

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.stopped:
			return nil
		case <-t.target.Interrupts():
		case <-t.rearm:
		case <-ticker.C:
		}

		more, err := t.ServiceInterrupt()
		if err != nil {
			return err
		}

		if more {
			select {
			case t.rearm <- struct{}{}:
			default:
			}
		}
	}
}

// ServiceInterrupt acknowledges pending interrupts and drains every pipe until
// no progress is made or MaxDrainIterations passes ran. It reports whether
// work was left for another call.
func (t *Transport) ServiceInterrupt() (bool, error) {
	t.isrMu.Lock()
	defer t.isrMu.Unlock()

	if t.state.Load() != attached {
		return false, nil
	}

	for iteration := 1; iteration <= t.config.MaxDrainIterations; iteration++ {
		work, summary, err := t.servicePass()
		if err != nil {
			metrics.InterruptIterations.Observe(float64(iteration))

			return false, t.fail(err)
		}

		if work == 0 && summary == 0 {
			metrics.InterruptIterations.Observe(float64(iteration))

			return false, nil
		}
	}

	metrics.InterruptIterations.Observe(float64(t.config.MaxDrainIterations))
	metrics.InterruptsDeferred.Inc()
	t.logDebug().Int("iterations", t.config.MaxDrainIterations).Msg("Interrupt service deferred")

	return true, nil
}

func (t *Transport) servicePass() (int, uint32, error) {
	summary, err := ce.PendingSummary(t.target)
	if err != nil {
		return 0, 0, err
	}

	for id, pipe := range t.pipes {
		if pipe != nil && summary&(1<<id) != 0 {
			if err = pipe.engine.ClearInterrupts(ce.IntAll); err != nil {
				return 0, summary, err
			}
		}
	}

	work := 0

	for _, pipe := range t.pipes {
		if pipe == nil {
			continue
		}

		received, err := pipe.serviceRecv()
		if err != nil {
			return work, summary, err
		}

		sent, err := pipe.serviceSend()
		if err != nil {
			return work, summary, err
		}

		if sent > 0 {
			t.resumePipe(pipe.id)
		}
		work += received + sent
	}

	for _, pipe := range t.pipes {
		if pipe != nil {
			pipe.engine.CheckWatermarks()
		}
	}

	return work, summary, nil
}

// resumePipe retries endpoints that may have been waiting for send slots.
func (t *Transport) resumePipe(id int) {
	for _, ep := range t.connected() {
		if ep.config.ulPipe == id {
			ep.trySend()
		}
	}
}

func (t *Transport) connected() []*Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	endpoints := make([]*Endpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		if ep != nil {
			endpoints = append(endpoints, ep)
		}
	}

	return endpoints
}

// fail takes the device out of service after a hardware fault. Every endpoint
// is halted with err and the failure handler runs on its own goroutine.
func (t *Transport) fail(err error) error {
	if !errors.Is(err, gainErrors.ErrHardwareFault) {
		return err
	}

	t.failOnce.Do(func() {
		t.state.CompareAndSwap(attached, failed)

		t.mu.Lock()
		t.failure = err
		handler := t.failureHandler
		t.mu.Unlock()

		t.logError(err).Msg("Device failure")

		for _, ep := range t.connected() {
			ep.halt(err)
		}

		if handler != nil {
			go handler(err)
		}
	})

	return err
}

// handleRecv parses one received transfer: credit trailers first, then the
// control or service payload of each frame.
func (t *Transport) handleRecv(p *Pipe, data []byte) {
	frames, err := wire.SplitFrames(data)
	if err != nil {
		t.protocolError(p, "frame", err)
	}

	for _, frame := range frames {
		if frame.Header.Flags&wire.FlagTrailerPresent != 0 {
			trailer, err := wire.ParseTrailer(frame.Trailer)
			if err != nil {
				t.protocolError(p, "trailer", err)

				continue
			}
			t.applyCredits(trailer.Credits)
		}

		if frame.Header.Endpoint == wire.EndpointControl {
			if len(frame.Payload) > 0 {
				t.handleControl(p, frame.Payload)
			}

			continue
		}

		ep := t.Endpoint(frame.Header.Endpoint)
		if ep == nil {
			t.protocolError(p, "endpoint", gainErrors.ErrorEndpointNotFound(int(frame.Header.Endpoint)))

			continue
		}

		ep.recordRx(frame.Header.Seq)
		t.deliverRx(ep, frame.Payload)
	}
}

func (t *Transport) protocolError(p *Pipe, reason string, err error) {
	metrics.RecordProtocolError(reason)
	t.logWarn().Err(err).Int("pipe", p.id).Str("reason", reason).Msg("Dropping malformed message")
}

func (t *Transport) applyCredits(reports []wire.CreditReport) {
	for _, report := range reports {
		ep := t.Endpoint(report.Endpoint)
		if ep == nil || report.Endpoint == wire.EndpointControl {
			t.logWarn().Uint8("eid", uint8(report.Endpoint)).Uint8("credits", report.Credits).Msg("Credits for unknown endpoint")

			continue
		}
		ep.addCredits(int(report.Credits))
	}
}

func (t *Transport) handleControl(p *Pipe, payload []byte) {
	id, err := wire.ControlMessageID(payload)
	if err != nil {
		t.protocolError(p, "control", err)

		return
	}

	switch id {
	case wire.MsgReady:
		ready, err := wire.ParseReady(payload)
		if err != nil {
			t.protocolError(p, "control", err)

			return
		}

		t.mu.Lock()
		select {
		case <-t.readyCh:
			t.mu.Unlock()
			t.logWarn().Msg("Duplicate ready message")

			return
		default:
		}
		t.ready = ready
		close(t.readyCh)
		t.mu.Unlock()

		t.logDebug().Uint16("credits", ready.CreditCount).Uint16("credit size", ready.CreditSize).Msg("Target ready")
	case wire.MsgConnectServiceResponse:
		response, err := wire.ParseConnectServiceResponse(payload)
		if err != nil {
			t.protocolError(p, "control", err)

			return
		}

		t.mu.Lock()
		waiter := t.waiters[response.Service]
		delete(t.waiters, response.Service)
		t.mu.Unlock()

		if waiter == nil {
			t.logWarn().Stringer("service", response.Service).Msg("Unexpected connect response")

			return
		}
		waiter <- response
	default:
		t.protocolError(p, "control", gainErrors.ErrorProtocol("unexpected control message %d", id))
	}
}

func (t *Transport) deliverRx(ep *Endpoint, payload []byte) {
	handler := ep.serviceHandler()

	if t.delivery.inline() {
		handler.OnRx(ep, payload)

		return
	}

	buf := append([]byte(nil), payload...)
	t.delivery.dispatch(func() {
		handler.OnRx(ep, buf)
	})
}

// submit implements txSink: it lays the batch out in device memory and queues
// it on the endpoint's pipe.
func (t *Transport) submit(ep *Endpoint, batch []*packet) error {
	if state := t.state.Load(); state != attached {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(state))
	}

	pipe := t.pipes[ep.config.ulPipe]
	if pipe == nil {
		return gainErrors.ErrorInvalidConfig("no pipe %d for endpoint %d", ep.config.ulPipe, ep.config.id)
	}

	size := transferSize(batch)

	region, err := t.memory.Alloc(size)
	if err != nil {
		return err
	}
	layoutFrames(t.memory.Bytes(region), ep.config.id, batch)

	record := txRecordPool.Get()
	record.endpoint = ep
	record.packets = batch
	record.region = region

	handle, err := t.inflight.Insert(record)
	if err != nil {
		t.memory.Free(region)
		txRecordPool.Put(record)

		return err
	}

	items := gatherItems(region.Addr, size, pipe.maxTransfer(), transferTag(ep.config.id, batch[0].seq), handle)
	if err = pipe.send(items); err != nil {
		return t.abortSubmit(handle, err)
	}

	if len(batch) > 1 {
		metrics.RecordBundle(int(ep.config.id), len(batch))
	}

	return nil
}

// abortSubmit releases a transfer the pipe refused. A stop that raced the
// submission may have completed the transfer already.
func (t *Transport) abortSubmit(handle slotmap.Handle, err error) error {
	record, removeErr := t.inflight.Remove(handle)
	if removeErr != nil {
		return errTransferReclaimed
	}

	t.memory.Free(record.region)
	txRecordPool.Put(record)

	return t.fail(err)
}

// notifyTx implements txSink.
func (t *Transport) notifyTx(ep *Endpoint, context any, err error) {
	handler := ep.serviceHandler()

	if t.delivery.inline() {
		handler.OnTxComplete(ep, context, err)

		return
	}

	t.delivery.dispatch(func() {
		handler.OnTxComplete(ep, context, err)
	})
}

// completeSend finishes the transfer behind handle.
func (t *Transport) completeSend(handle slotmap.Handle, err error) {
	record, removeErr := t.inflight.Remove(handle)
	if removeErr != nil {
		t.logWarn().Err(removeErr).Stringer("handle", handle).Msg("Completion for unknown transfer")

		return
	}

	t.memory.Free(record.region)
	record.endpoint.completeTx(record.packets, err)
	txRecordPool.Put(record)
}

// Endpoint returns the connected endpoint eid, or nil.
func (t *Transport) Endpoint(eid wire.EndpointID) *Endpoint {
	if int(eid) >= len(t.endpoints) {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.endpoints[eid]
}

// EndpointForService returns the endpoint connected for service, or nil.
func (t *Transport) EndpointForService(service wire.ServiceID) *Endpoint {
	for _, ep := range t.connected() {
		if ep.Service() == service {
			return ep
		}
	}

	return nil
}

// Send queues payload on endpoint eid.
func (t *Transport) Send(eid wire.EndpointID, payload []byte, context any) error {
	ep := t.Endpoint(eid)
	if ep == nil {
		return gainErrors.ErrorEndpointNotFound(int(eid))
	}

	return ep.Send(payload, context)
}

// Stop halts every endpoint, waits for the device to stop its DMA and hands
// all outstanding buffers back. Messages that never completed are reported
// with ErrShutdown, or with the hardware fault after a device failure.
func (t *Transport) Stop(ctx context.Context) error {
	previous := t.state.Load()
	if previous != attached && previous != failed {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(previous))
	}

	if !t.state.CompareAndSwap(previous, stopping) {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(t.state.Load()))
	}

	reason := gainErrors.ErrShutdown
	if err := t.Failure(); err != nil {
		reason = err
	}

	for _, ep := range t.connected() {
		ep.halt(reason)
	}

	if err := t.quiesce(ctx, previous, reason); err != nil {
		t.state.Store(previous)

		return err
	}

	close(t.stopped)

	if t.running.Load() {
		select {
		case <-t.runDone:
		case <-ctx.Done():
			t.logWarn().Msg("Run did not return before the stop deadline")
		}
	}

	t.delivery.flush()
	t.state.Store(stopped)
	t.logInfo().Msg("Transport stopped")

	return nil
}

// quiesce stops the device and takes back every ring entry and in-flight
// transfer while no interrupt service runs.
func (t *Transport) quiesce(ctx context.Context, previous uint32, reason error) error {
	t.isrMu.Lock()
	defer t.isrMu.Unlock()

	if previous != failed {
		for _, engine := range t.engines {
			if err := engine.DisableInterrupts(); err != nil {
				t.logWarn().Err(err).Int("ce", engine.ID()).Msg("Disable interrupts error")
			}
		}
	}

	if err := t.target.Halt(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", gainErrors.ErrorTimeout("device halt"), err)
		}

		return fmt.Errorf("device halt: %w", err)
	}

	for _, engine := range t.engines {
		engine.MarkHalted()
	}

	for _, pipe := range t.pipes {
		if pipe != nil {
			pipe.reclaim(reason)
		}
	}

	t.reclaimDiag()

	t.inflight.Drain(func(_ slotmap.Handle, record *txRecord) {
		t.memory.Free(record.region)
		record.endpoint.completeTx(record.packets, reason)
		txRecordPool.Put(record)
	})

	return nil
}

// Detach releases the rings of a stopped transport.
func (t *Transport) Detach() error {
	if state := t.state.Load(); state != stopped {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(state))
	}

	t.closeEngines()

	return nil
}

func (t *Transport) closeEngines() {
	for _, engine := range t.engines {
		engine.Close()
	}
	t.engines = nil
	t.pipes = [ce.MaxEngines]*Pipe{}
	t.diag = nil
}

func (t *Transport) logDebug() *zerolog.Event {
	return t.logger.Debug().Str("state", stateName(t.state.Load()))
}

func (t *Transport) logInfo() *zerolog.Event {
	return t.logger.Info().Str("state", stateName(t.state.Load()))
}

func (t *Transport) logWarn() *zerolog.Event {
	return t.logger.Warn().Str("state", stateName(t.state.Load()))
}

func (t *Transport) logError(err error) *zerolog.Event {
	return t.logger.Error().Str("state", stateName(t.state.Load())).Err(err)
}
