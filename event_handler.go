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

import "github.com/pawelgaczynski/htc/ce"

type ServiceHandler interface {
	// OnTxComplete fires once per message handed to Endpoint.Send, after the
	// target consumed it or it was dropped. err is nil on success and
	// ErrShutdown or ErrHardwareFault when the message never made it.
	OnTxComplete(ep *Endpoint, context any, err error)
	// OnRx fires for every message the target sent on the endpoint, in order
	// unless callbacks run on the goroutine pool.
	//
	// payload is only valid during the call; copy it to keep it.
	OnRx(ep *Endpoint, payload []byte)
}

// DefaultServiceHandler is a default implementation for all of the ServiceHandler callbacks (do nothing).
// Compose it with your own implementation of ServiceHandler and you won't need to implement all callbacks.
type DefaultServiceHandler struct{}

func (h DefaultServiceHandler) OnTxComplete(ep *Endpoint, context any, err error) {}
func (h DefaultServiceHandler) OnRx(ep *Endpoint, payload []byte)                 {}

// FailureHandler is called once, on its own goroutine, when the transport hits
// a hardware fault. By then every endpoint is halted and the device needs a
// reset; calling Transport.Stop from the handler is allowed.
type FailureHandler func(err error)

// WatermarkHandler receives ring fill level events when Config.Watermarks is set.
type WatermarkHandler func(engine int, event ce.WatermarkEvent)
