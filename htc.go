// Copyright (c) 2023 Paweł Gaczyński
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package htc is a host to target message transport over copy engine
// descriptor rings. Services connect to endpoints whose transmit path is
// paced by credits the target hands out, and queued messages may be bundled
// into one gathered transfer.
//
//nolint:revive
package htc

import (
	"context"

	"github.com/pkg/errors"
)

// Bootstrap creates a transport, attaches it, starts Run in the background and
// waits for the target to report ready. Stop ends the background Run.
func Bootstrap(ctx context.Context, target Target, memory DeviceMemory, opts ...ConfigOption) (*Transport, error) {
	return BootstrapConfig(ctx, target, memory, NewConfig(opts...))
}

// BootstrapConfig is Bootstrap with a ready made configuration, such as one
// read by LoadConfigFile.
func BootstrapConfig(ctx context.Context, target Target, memory DeviceMemory, config Config) (*Transport, error) {
	transport, err := New(target, memory, config)
	if err != nil {
		return nil, errors.Wrapf(err, "creating transport error")
	}

	if err = transport.Attach(); err != nil {
		return nil, errors.Wrapf(err, "attaching transport error")
	}

	go func() {
		if err := transport.Run(context.Background()); err != nil {
			transport.logError(err).Msg("Transport run error")
		}
	}()

	if _, err = transport.WaitTarget(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), transport.config.ControlTimeout)
		defer cancel()

		if stopErr := transport.Stop(stopCtx); stopErr != nil {
			transport.logError(stopErr).Msg("Stop after failed bootstrap error")
		}

		return nil, errors.Wrapf(err, "waiting for target error")
	}

	return transport, nil
}
