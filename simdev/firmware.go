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
	"sync"

	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
)

const (
	DefaultCreditCount = 32
	DefaultCreditSize  = 256
	DefaultCreditAlloc = 8
	DefaultMaxMsgSize  = 1536
)

type FirmwareConfig struct {
	CreditCount uint16
	CreditSize  uint16
	// CreditAlloc overrides DefaultCreditAlloc per service.
	CreditAlloc map[wire.ServiceID]uint8
	MaxMsgSize  uint16
	// ReturnThreshold is the number of consumed credits per endpoint that
	// triggers a credit report even without a NeedCreditUpdate request.
	ReturnThreshold int
	// HoldCredits disables automatic credit reports; use ReturnCredits.
	HoldCredits bool
	// Echo lists services whose messages are sent straight back.
	Echo map[wire.ServiceID]bool
	// Reject lists services the firmware refuses to connect.
	Reject map[wire.ServiceID]bool
}

type FirmwareOption func(*FirmwareConfig)

func WithCredits(count, size uint16) FirmwareOption {
	return func(c *FirmwareConfig) {
		c.CreditCount = count
		c.CreditSize = size
	}
}

func WithCreditAlloc(service wire.ServiceID, credits uint8) FirmwareOption {
	return func(c *FirmwareConfig) {
		c.CreditAlloc[service] = credits
	}
}

func WithMaxMsgSize(size uint16) FirmwareOption {
	return func(c *FirmwareConfig) {
		c.MaxMsgSize = size
	}
}

func WithReturnThreshold(credits int) FirmwareOption {
	return func(c *FirmwareConfig) {
		c.ReturnThreshold = credits
	}
}

func WithHoldCredits(hold bool) FirmwareOption {
	return func(c *FirmwareConfig) {
		c.HoldCredits = hold
	}
}

func WithEcho(services ...wire.ServiceID) FirmwareOption {
	return func(c *FirmwareConfig) {
		for _, service := range services {
			c.Echo[service] = true
		}
	}
}

func WithReject(services ...wire.ServiceID) FirmwareOption {
	return func(c *FirmwareConfig) {
		for _, service := range services {
			c.Reject[service] = true
		}
	}
}

type firmwareEndpoint struct {
	service wire.ServiceID
	ul, dl  int

	received    [][]byte
	nextSeq     uint8
	seqErrors   int
	outstanding int
	toReturn    int
	urgent      bool
}

// Firmware is the message layer personality of the target: it answers the
// connect handshake, accounts credits per endpoint and optionally echoes.
type Firmware struct {
	target *Target
	config FirmwareConfig
	logger zerolog.Logger

	mu             sync.Mutex
	endpoints      [wire.MaxEndpoints]*firmwareEndpoint
	nextEndpoint   wire.EndpointID
	setupComplete  bool
	protocolErrors int
}

// NewFirmware attaches a firmware personality to target.
func NewFirmware(target *Target, opts ...FirmwareOption) *Firmware {
	config := FirmwareConfig{
		CreditCount:     DefaultCreditCount,
		CreditSize:      DefaultCreditSize,
		CreditAlloc:     make(map[wire.ServiceID]uint8),
		MaxMsgSize:      DefaultMaxMsgSize,
		ReturnThreshold: 1,
		Echo:            make(map[wire.ServiceID]bool),
		Reject:          make(map[wire.ServiceID]bool),
	}
	for _, opt := range opts {
		opt(&config)
	}

	fw := &Firmware{
		target:       target,
		config:       config,
		logger:       target.logger.With().Str("personality", "firmware").Logger(),
		nextEndpoint: 1,
	}
	target.SetHandler(fw)

	return fw
}

// Boot queues the ready message; it is delivered once the host posts buffers.
func (f *Firmware) Boot() {
	ready := wire.Ready{
		CreditCount:  f.config.CreditCount,
		CreditSize:   f.config.CreditSize,
		MaxEndpoints: wire.MaxEndpoints,
	}
	f.target.Deliver(wire.PipeHostIn, wire.AppendFrame(nil, wire.Header{Endpoint: wire.EndpointControl}, ready.Append(nil), nil))
}

type outbound struct {
	engine int
	header wire.Header
	body   []byte
}

func (f *Firmware) HandleTransfer(engine int, data []byte) {
	frames, err := wire.SplitFrames(data)
	if err != nil {
		f.logger.Warn().Err(err).Int("ce", engine).Msg("Malformed transfer")
		f.mu.Lock()
		f.protocolErrors++
		f.mu.Unlock()
	}

	f.mu.Lock()

	var out []outbound

	for _, frame := range frames {
		if frame.Header.Endpoint == wire.EndpointControl {
			out = f.handleControlLocked(frame, out)

			continue
		}

		out = f.handleDataLocked(frame, out)
	}

	reports := f.collectReportsLocked()
	f.mu.Unlock()

	f.send(out, reports)
}

func (f *Firmware) handleControlLocked(frame wire.Frame, out []outbound) []outbound {
	id, err := wire.ControlMessageID(frame.Payload)
	if err != nil {
		f.protocolErrors++

		return out
	}

	switch id {
	case wire.MsgConnectService:
		request, err := wire.ParseConnectService(frame.Payload)
		if err != nil {
			f.protocolErrors++

			return out
		}

		response := f.connectLocked(request)
		out = append(out, outbound{
			engine: wire.PipeHostIn,
			header: wire.Header{Endpoint: wire.EndpointControl},
			body:   response.Append(nil),
		})
	case wire.MsgSetupComplete:
		f.setupComplete = true
		f.logger.Debug().Msg("Host setup complete")
	default:
		f.protocolErrors++
		f.logger.Warn().Uint16("id", id).Msg("Unexpected control message")
	}

	return out
}

func (f *Firmware) connectLocked(request wire.ConnectService) wire.ConnectServiceResponse {
	response := wire.ConnectServiceResponse{
		Service:    request.Service,
		MaxMsgSize: f.config.MaxMsgSize,
	}

	ul, dl, ok := wire.ServicePipes(request.Service)
	if !ok || f.config.Reject[request.Service] || request.Service == wire.ServiceControl {
		response.Status = wire.ConnectNotFound

		return response
	}

	credits, ok := f.config.CreditAlloc[request.Service]
	if !ok {
		credits = DefaultCreditAlloc
	}

	eid := f.endpointLocked(request.Service)
	if eid == wire.EndpointControl {
		if f.nextEndpoint >= wire.MaxEndpoints {
			response.Status = wire.ConnectNoResource

			return response
		}
		eid = f.nextEndpoint
		f.nextEndpoint++
	}

	// a reconnect starts over with a fresh allocation
	f.endpoints[eid] = &firmwareEndpoint{service: request.Service, ul: ul, dl: dl}

	response.Status = wire.ConnectSuccess
	response.Endpoint = eid
	response.CreditAlloc = credits

	f.logger.Debug().Stringer("service", request.Service).Uint8("eid", uint8(eid)).Uint8("credits", credits).Msg("Service connected")

	return response
}

func (f *Firmware) endpointLocked(service wire.ServiceID) wire.EndpointID {
	for eid, ep := range f.endpoints {
		if ep != nil && ep.service == service {
			return wire.EndpointID(eid)
		}
	}

	return wire.EndpointControl
}

func (f *Firmware) creditsFor(frame wire.Frame) int {
	size := wire.FrameSize(int(frame.Header.PayloadLen))
	creditSize := int(f.config.CreditSize)

	return (size + creditSize - 1) / creditSize
}

func (f *Firmware) handleDataLocked(frame wire.Frame, out []outbound) []outbound {
	eid := frame.Header.Endpoint
	if int(eid) >= len(f.endpoints) || f.endpoints[eid] == nil {
		f.protocolErrors++
		f.logger.Warn().Uint8("eid", uint8(eid)).Msg("Message for unconnected endpoint")

		return out
	}

	ep := f.endpoints[eid]

	if frame.Header.Seq != ep.nextSeq {
		ep.seqErrors++
		f.logger.Warn().Uint8("eid", uint8(eid)).Uint8("seq", frame.Header.Seq).Uint8("expected", ep.nextSeq).Msg("Sequence gap")
	}
	ep.nextSeq = frame.Header.Seq + 1

	credits := f.creditsFor(frame)
	ep.outstanding += credits
	ep.toReturn += credits
	ep.received = append(ep.received, append([]byte(nil), frame.Payload...))

	if frame.Header.Flags&wire.FlagNeedCreditUpdate != 0 {
		ep.urgent = true
	}

	if f.config.Echo[ep.service] {
		out = append(out, outbound{
			engine: ep.dl,
			header: wire.Header{Endpoint: eid, Seq: frame.Header.Seq},
			body:   frame.Payload,
		})
	}

	return out
}

func (f *Firmware) collectReportsLocked() []wire.CreditReport {
	if f.config.HoldCredits {
		return nil
	}

	var reports []wire.CreditReport

	for eid, ep := range f.endpoints {
		if ep == nil || ep.toReturn == 0 {
			continue
		}

		if !ep.urgent && ep.toReturn < f.config.ReturnThreshold {
			continue
		}

		reports = f.appendReportLocked(reports, wire.EndpointID(eid), ep, ep.toReturn)
	}

	return reports
}

func (f *Firmware) appendReportLocked(reports []wire.CreditReport, eid wire.EndpointID, ep *firmwareEndpoint, credits int) []wire.CreditReport {
	for credits > 0 {
		chunk := min(credits, 255)
		reports = append(reports, wire.CreditReport{Endpoint: eid, Credits: uint8(chunk)})
		credits -= chunk
		ep.toReturn -= chunk
		ep.outstanding -= chunk
	}

	if ep.toReturn <= 0 {
		ep.toReturn = 0
		ep.urgent = false
	}

	return reports
}

// send delivers the outbound messages. Credit reports ride on the last
// message when they fit, otherwise they go out as a trailer-only control
// message.
func (f *Firmware) send(out []outbound, reports []wire.CreditReport) {
	var trailer []byte
	if len(reports) > 0 {
		trailer = wire.AppendCreditRecords(nil, reports)
	}

	for i, msg := range out {
		var msgTrailer []byte

		if i == len(out)-1 && trailer != nil &&
			wire.FrameSize(len(msg.body)+len(trailer)) <= f.target.DstMaxLength(msg.engine) {
			msgTrailer, trailer = trailer, nil
		}

		f.target.Deliver(msg.engine, wire.AppendFrame(nil, msg.header, msg.body, msgTrailer))
	}

	if trailer != nil {
		f.target.Deliver(wire.PipeHostIn, wire.AppendFrame(nil, wire.Header{Endpoint: wire.EndpointControl}, nil, trailer))
	}
}

// ReturnCredits reports credits for eid right away, regardless of HoldCredits.
func (f *Firmware) ReturnCredits(eid wire.EndpointID, credits int) {
	f.mu.Lock()

	var reports []wire.CreditReport

	if ep := f.endpoints[eid]; ep != nil {
		reports = f.appendReportLocked(nil, eid, ep, credits)
	}
	f.mu.Unlock()

	f.send(nil, reports)
}

// SendMessage queues an unsolicited message to the host on endpoint eid.
func (f *Firmware) SendMessage(eid wire.EndpointID, payload []byte) bool {
	f.mu.Lock()
	ep := f.endpoints[eid]
	f.mu.Unlock()

	if ep == nil {
		return false
	}

	f.target.Deliver(ep.dl, wire.AppendFrame(nil, wire.Header{Endpoint: eid}, payload, nil))

	return true
}

// DeliverRaw queues bytes as they are; used to feed malformed input.
func (f *Firmware) DeliverRaw(engine int, data []byte) {
	f.target.Deliver(engine, data)
}

// Endpoint returns the endpoint the firmware assigned to service.
func (f *Firmware) Endpoint(service wire.ServiceID) (wire.EndpointID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	eid := f.endpointLocked(service)

	return eid, eid != wire.EndpointControl
}

// Received returns copies of the payloads taken from eid, in arrival order.
func (f *Firmware) Received(eid wire.EndpointID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	ep := f.endpoints[eid]
	if ep == nil {
		return nil
	}

	return append([][]byte(nil), ep.received...)
}

// Outstanding returns the credits the host spent on eid that were not reported back yet.
func (f *Firmware) Outstanding(eid wire.EndpointID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ep := f.endpoints[eid]; ep != nil {
		return ep.outstanding
	}

	return 0
}

func (f *Firmware) SeqErrors(eid wire.EndpointID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ep := f.endpoints[eid]; ep != nil {
		return ep.seqErrors
	}

	return 0
}

func (f *Firmware) ProtocolErrors() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.protocolErrors
}

func (f *Firmware) SetupComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.setupComplete
}
