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
	"sync"

	"github.com/alitto/pond"
	"github.com/pawelgaczynski/htc/pkg/queue"
	"github.com/rs/zerolog"
)

type deliveryMode int

const (
	deliverInline deliveryMode = iota
	deliverConsumer
	deliverPool
)

// delivery runs service callbacks either inline on the interrupt path, on a
// single consumer goroutine fed by a lock-free queue, or on a worker pool.
// Once flushed, callbacks run on the caller.
type delivery struct {
	mode   deliveryMode
	mu     sync.RWMutex
	closed bool
	queue  queue.LockFreeQueue[func()]
	signal chan struct{}
	pool   *pond.WorkerPool
	logger zerolog.Logger
}

func newDelivery(config Config, logger zerolog.Logger) *delivery {
	d := &delivery{logger: logger}

	switch {
	case !config.AsyncCallbacks:
		d.mode = deliverInline
	case config.GoroutinePool:
		d.mode = deliverPool
		d.pool = pond.New(config.GoroutinePoolSize, defaultGoroutinePoolQueue,
			pond.PanicHandler(func(p interface{}) {
				logger.Error().Interface("panic", p).Msg("Callback panicked")
			}))
	default:
		d.mode = deliverConsumer
		d.queue = queue.NewQueue[func()]()
		d.signal = make(chan struct{}, 1)
	}

	return d
}

func (d *delivery) inline() bool {
	return d.mode == deliverInline
}

func (d *delivery) dispatch(fn func()) {
	if !d.enqueue(fn) {
		fn()
	}
}

// enqueue hands fn to the consumer or the pool. It reports false when fn has
// to run on the caller: after flush, in inline mode or with a saturated pool.
func (d *delivery) enqueue(fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	switch d.mode {
	case deliverPool:
		return d.pool.TrySubmit(fn)
	case deliverConsumer:
		d.queue.Enqueue(fn)
		select {
		case d.signal <- struct{}{}:
		default:
		}

		return true
	default:
		return false
	}
}

// run is the consumer loop. It returns when ctx is done or stop is closed.
func (d *delivery) run(ctx context.Context, stop <-chan struct{}) error {
	if d.mode != deliverConsumer {
		return nil
	}

	for {
		d.drain()

		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-d.signal:
		}
	}
}

func (d *delivery) drain() int {
	if d.queue == nil {
		return 0
	}

	n := 0

	for {
		fn, ok := d.queue.Dequeue()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// flush runs every callback still waiting and stops the worker pool.
func (d *delivery) flush() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	switch d.mode {
	case deliverPool:
		d.pool.StopAndWait()
	case deliverConsumer:
		if n := d.drain(); n > 0 {
			d.logger.Debug().Int("callbacks", n).Msg("Flushed pending callbacks")
		}
	}
}
