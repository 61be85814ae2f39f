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
	"fmt"

	"github.com/pawelgaczynski/htc/ce"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pawelgaczynski/htc/wire"
)

// ConnectOptions tune an endpoint at connect time.
type ConnectOptions struct {
	// QueueDepth bounds the transmit queue. Zero takes Config.TxQueueDepth,
	// a negative depth leaves the queue unbounded.
	QueueDepth int
	// Flags are passed to the target unchanged.
	Flags uint16
}

// WaitTarget blocks until the target announced itself with a ready message.
// The transport must be running to receive it.
func (t *Transport) WaitTarget(ctx context.Context) (wire.Ready, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.ControlTimeout)
	defer cancel()

	select {
	case <-t.readyCh:
		t.mu.RLock()
		defer t.mu.RUnlock()

		return t.ready, nil
	case <-t.stopped:
		return wire.Ready{}, gainErrors.ErrShutdown
	case <-ctx.Done():
		return wire.Ready{}, gainErrors.ErrorTimeout("waiting for target ready")
	}
}

func (t *Transport) targetReady() (wire.Ready, bool) {
	select {
	case <-t.readyCh:
	default:
		return wire.Ready{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.ready, true
}

// ConnectService asks the target for an endpoint carrying service. Connecting
// a service again rebinds its existing endpoint with the new credit
// allocation; queued messages survive.
func (t *Transport) ConnectService(ctx context.Context, service wire.ServiceID, handler ServiceHandler,
	options ConnectOptions,
) (*Endpoint, error) {
	ready, ok := t.targetReady()
	if !ok {
		return nil, fmt.Errorf("%w, target not ready", gainErrors.ErrInvalidState)
	}

	ul, dl, ok := wire.ServicePipes(service)
	if !ok || service == wire.ServiceControl {
		return nil, gainErrors.ErrorServiceNotFound(uint16(service))
	}

	if t.pipes[ul] == nil || t.pipes[dl] == nil {
		return nil, gainErrors.ErrorInvalidConfig("engines %d/%d for %s are not configured", ul, dl, service)
	}

	waiter := make(chan wire.ConnectServiceResponse, 1)

	t.mu.Lock()
	if _, busy := t.waiters[service]; busy {
		t.mu.Unlock()

		return nil, fmt.Errorf("%w, connect of %s already in progress", gainErrors.ErrInvalidState, service)
	}
	t.waiters[service] = waiter
	t.mu.Unlock()

	request := wire.ConnectService{Service: service, Flags: options.Flags, QueueDepth: uint16(options.QueueDepth)}
	if err := t.Send(wire.EndpointControl, request.Append(nil), nil); err != nil {
		t.dropWaiter(service, waiter)

		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.ControlTimeout)
	defer cancel()

	var response wire.ConnectServiceResponse

	select {
	case response = <-waiter:
	case <-t.stopped:
		t.dropWaiter(service, waiter)

		return nil, gainErrors.ErrShutdown
	case <-ctx.Done():
		t.dropWaiter(service, waiter)

		return nil, gainErrors.ErrorTimeout(fmt.Sprintf("connecting %s", service))
	}

	if response.Status != wire.ConnectSuccess {
		return nil, fmt.Errorf("%w, status: %d", gainErrors.ErrorServiceNotFound(uint16(service)), response.Status)
	}

	queueDepth := options.QueueDepth
	if queueDepth == 0 {
		queueDepth = t.config.TxQueueDepth
	}

	config := endpointConfig{
		id:                  response.Endpoint,
		service:             service,
		ulPipe:              ul,
		dlPipe:              dl,
		credits:             int(response.CreditAlloc),
		creditSize:          int(ready.CreditSize),
		maxMsgSize:          min(int(response.MaxMsgSize), ce.MaxTransfer-wire.HeaderSize),
		queueDepth:          queueDepth,
		creditFlow:          true,
		bundling:            t.config.Bundling,
		bundleMinQueueDepth: t.config.BundleMinQueueDepth,
		maxBundleCredits:    t.config.MaxBundleCredits,
	}

	t.mu.Lock()
	ep := t.endpoints[response.Endpoint]
	reconnect := ep != nil && ep.Service() == service

	if !reconnect {
		ep = newEndpoint(config, handler, t, t.logger)
		t.endpoints[response.Endpoint] = ep
	}
	t.mu.Unlock()

	if reconnect {
		ep.reset(config, handler)
	}

	t.logDebug().
		Stringer("service", service).
		Uint8("eid", uint8(response.Endpoint)).
		Int("credits", config.credits).
		Int("max msg size", config.maxMsgSize).
		Bool("reconnect", reconnect).
		Msg("Service connected")

	return ep, nil
}

func (t *Transport) dropWaiter(service wire.ServiceID, waiter chan wire.ConnectServiceResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.waiters[service] == waiter {
		delete(t.waiters, service)
	}
}

// Start tells the target that every service is connected.
func (t *Transport) Start() error {
	if _, ok := t.targetReady(); !ok {
		return fmt.Errorf("%w, target not ready", gainErrors.ErrInvalidState)
	}

	return t.Send(wire.EndpointControl, wire.SetupComplete{}.Append(nil), nil)
}
