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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

const diagPollInterval = 50 * time.Microsecond

// DiagRead copies n bytes of target memory at addr through the diagnostic
// engine.
func (t *Transport) DiagRead(ctx context.Context, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)

	err := t.diagChunks(ctx, addr, n, func(engine *ce.CopyEngine, target uint32, region dmamem.Region, tag uint16) (bool, error) {
		if err := engine.RecvEnqueue(region, region.Addr); err != nil {
			t.memory.Free(region)

			return false, err
		}

		return true, engine.SendEnqueue(nil, target, region.Size, tag, 0)
	}, func(region dmamem.Region) {
		out = append(out, t.memory.Bytes(region)[:region.Size]...)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DiagWrite copies data into target memory at addr through the diagnostic
// engine.
func (t *Transport) DiagWrite(ctx context.Context, addr uint32, data []byte) error {
	off := 0

	return t.diagChunks(ctx, addr, len(data), func(engine *ce.CopyEngine, target uint32, region dmamem.Region, tag uint16) (bool, error) {
		copy(t.memory.Bytes(region), data[off:off+region.Size])
		off += region.Size

		if err := engine.RecvEnqueue(nil, target); err != nil {
			t.memory.Free(region)

			return false, err
		}

		if err := engine.SendEnqueue(region, region.Addr, region.Size, tag, 0); err != nil {
			t.memory.Free(region)

			return true, err
		}

		return true, nil
	}, nil)
}

func (t *Transport) DiagRead32(ctx context.Context, addr uint32) (uint32, error) {
	data, err := t.DiagRead(ctx, addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

func (t *Transport) DiagWrite32(ctx context.Context, addr uint32, value uint32) error {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], value)

	return t.DiagWrite(ctx, addr, data[:])
}

// diagPost queues both halves of a chunk. It reports whether the destination
// descriptor made it into the ring.
type diagPost func(engine *ce.CopyEngine, target uint32, region dmamem.Region, tag uint16) (bool, error)

// diagChunks moves [addr, addr+n) one chunk at a time. post queues both halves
// of a chunk; done sees the host buffer of a finished chunk.
func (t *Transport) diagChunks(ctx context.Context, addr uint32, n int, post diagPost, done func(dmamem.Region)) error {
	if n <= 0 {
		return nil
	}

	if state := t.state.Load(); state != attached {
		return fmt.Errorf("%w, transport is %s", gainErrors.ErrInvalidState, stateName(state))
	}

	engine := t.diag
	if engine == nil {
		return gainErrors.ErrorInvalidConfig("no diagnostic engine")
	}

	t.diagMu.Lock()
	defer t.diagMu.Unlock()

	if t.diagErr != nil {
		return fmt.Errorf("%w, diagnostic window disabled: %v", gainErrors.ErrInvalidState, t.diagErr)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.DiagTimeout)
	defer cancel()

	chunk := min(engine.Attr().SrcMaxTransfer, engine.Attr().DstMaxTransfer)

	for off := 0; off < n; off += chunk {
		size := min(chunk, n-off)

		region, err := t.memory.Alloc(size)
		if err != nil {
			return err
		}

		t.diagTag = (t.diagTag + 1) & ce.TagMask
		tag := t.diagTag

		recvPosted, err := post(engine, addr+uint32(off), region, tag)
		if err != nil {
			// an unmatched destination descriptor stays posted until stop
			if recvPosted {
				t.diagErr = err
			}

			return fmt.Errorf("diag at %#x: %w", addr+uint32(off), err)
		}

		if err = t.diagWait(ctx, engine, tag, done); err != nil {
			return err
		}
	}

	return nil
}

// diagWait polls the diagnostic engine until the destination descriptor
// tagged tag completes. Host buffers of completions are released as they
// come back, including those left behind by timed out requests.
func (t *Transport) diagWait(ctx context.Context, engine *ce.CopyEngine, tag uint16, done func(dmamem.Region)) error {
	var (
		sends [2]ce.SendCompletion
		recvs [2]ce.RecvCompletion
	)

	for {
		n, err := engine.PeekBatchSend(sends[:])
		if err != nil {
			return t.fail(err)
		}

		for _, sc := range sends[:n] {
			if region, ok := sc.Context.(dmamem.Region); ok {
				t.memory.Free(region)
			}
		}

		n, err = engine.PeekBatchRecv(recvs[:])
		if err != nil {
			return t.fail(err)
		}

		finished := false

		for _, rc := range recvs[:n] {
			region, ok := rc.Context.(dmamem.Region)

			if rc.Tag == tag {
				finished = true

				if ok && done != nil {
					done(region)
				}
			}

			if ok {
				t.memory.Free(region)
			}
		}

		if finished {
			return nil
		}

		select {
		case <-ctx.Done():
			return gainErrors.ErrorTimeout(fmt.Sprintf("diag transfer %d", tag))
		case <-time.After(diagPollInterval):
		}
	}
}

func (t *Transport) reclaimDiag() {
	if t.diag == nil {
		return
	}

	t.diagMu.Lock()
	defer t.diagMu.Unlock()

	free := func(context any) {
		if region, ok := context.(dmamem.Region); ok {
			t.memory.Free(region)
		}
	}

	if err := t.diag.CancelPendingSends(func(sc ce.SendCompletion) { free(sc.Context) }); err != nil {
		t.logWarn().Err(err).Msg("Diag cancel error")
	}

	if err := t.diag.RevokePendingRecvs(func(rc ce.RecvCompletion) { free(rc.Context) }); err != nil {
		t.logWarn().Err(err).Msg("Diag revoke error")
	}
}
