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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace occurs when a ring, a pipe or an endpoint queue is momentarily full.
	// It is recoverable: the caller retries or the message stays queued.
	ErrNoSpace = errors.New("no space")
	// ErrProtocol occurs when the target sends a malformed header, trailer or control message.
	// The offending message is dropped, other endpoints are not affected.
	ErrProtocol = errors.New("protocol error")
	// ErrHardwareFault occurs when a register read returns a poison pattern or the device reports
	// an index relationship that can not be valid. It is fatal for the device.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrTimeout occurs only on synchronous bootstrap and diagnostic paths.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidState occurs when operation is called in invalid state.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidConfig occurs when copy engine or transport attributes are not valid.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrDeviceNotHalted occurs when ring contents are reclaimed while DMA may still be active.
	ErrDeviceNotHalted = errors.New("device not halted")
	// ErrShutdown is reported for messages that were still queued when the transport stopped.
	ErrShutdown = errors.New("transport shut down")
	// ErrServiceNotFound occurs when a service has no pipe mapping or the target rejected it.
	ErrServiceNotFound = errors.New("service not found")
	// ErrEndpointNotFound occurs when an endpoint id is not connected.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrMessageTooLarge occurs when a payload exceeds the endpoint maximum message size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrOutOfMemory occurs when the device memory arena is exhausted.
	ErrOutOfMemory = errors.New("device memory exhausted")
	// ErrInvalidHandle occurs when a slot map handle is stale or was never issued.
	ErrInvalidHandle = errors.New("invalid handle")
)

func ErrorNoSpace(ceID int) error {
	return fmt.Errorf("%w, ce: %d", ErrNoSpace, ceID)
}

func ErrorHardwareFault(ceID int, register uint32, value uint32) error {
	return fmt.Errorf("%w, ce: %d, register: %#x, value: %#x", ErrHardwareFault, ceID, register, value)
}

func ErrorIndexOverrun(ceID int, hwIndex, swIndex, writeIndex uint32) error {
	return fmt.Errorf("%w, ce: %d, completions beyond enqueued work (hw: %d, sw: %d, write: %d)",
		ErrHardwareFault, ceID, hwIndex, swIndex, writeIndex)
}

func ErrorProtocol(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func ErrorTimeout(op string) error {
	return fmt.Errorf("%w, op: %s", ErrTimeout, op)
}

func ErrorEndpointNotFound(endpoint int) error {
	return fmt.Errorf("%w, endpoint: %d", ErrEndpointNotFound, endpoint)
}

func ErrorServiceNotFound(service uint16) error {
	return fmt.Errorf("%w, service: %#04x", ErrServiceNotFound, service)
}

func ErrorMessageTooLarge(size, limit int) error {
	return fmt.Errorf("%w, size: %d, limit: %d", ErrMessageTooLarge, size, limit)
}

func ErrorInvalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
