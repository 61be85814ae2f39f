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

package ce

import (
	"errors"

	"github.com/pawelgaczynski/htc/metrics"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

type WatermarkEvent int

const (
	// SrcHigh fires when in-flight source descriptors reach SrcHigh.
	SrcHigh WatermarkEvent = iota
	// SrcLow fires when in-flight source descriptors drop to SrcLow after a SrcHigh.
	SrcLow
	// DstLow fires when posted destination buffers drop to DstLow.
	DstLow
	// DstHigh fires when posted destination buffers are back at DstHigh after a DstLow.
	DstHigh
)

func (e WatermarkEvent) String() string {
	switch e {
	case SrcHigh:
		return "src-high"
	case SrcLow:
		return "src-low"
	case DstLow:
		return "dst-low"
	case DstHigh:
		return "dst-high"
	default:
		return "unknown"
	}
}

// Watermarks are fill level thresholds. A zero high threshold disables the
// pair for that ring.
type Watermarks struct {
	SrcLow  int
	SrcHigh int
	DstLow  int
	DstHigh int
}

// WatermarkHandler is called without the engine lock held.
type WatermarkHandler func(engine *CopyEngine, event WatermarkEvent)

func (w Watermarks) validate(attr Attr) error {
	if w.SrcHigh > 0 && (w.SrcLow >= w.SrcHigh || w.SrcHigh > attr.SrcEntries) {
		return gainErrors.ErrorInvalidConfig("source watermarks low %d high %d entries %d", w.SrcLow, w.SrcHigh, attr.SrcEntries)
	}

	if w.DstHigh > 0 && (w.DstLow >= w.DstHigh || w.DstHigh > attr.DstEntries) {
		return gainErrors.ErrorInvalidConfig("destination watermarks low %d high %d entries %d", w.DstLow, w.DstHigh, attr.DstEntries)
	}

	return nil
}

// SetWatermarks installs thresholds and the handler called when they are crossed.
func (c *CopyEngine) SetWatermarks(w Watermarks, handler WatermarkHandler) error {
	if err := w.validate(c.attr); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.watermarks = w
	c.watermarkHandler = handler
	c.srcAboveHigh = false
	c.dstBelowLow = false

	access, err := c.regs.Acquire()
	if err != nil {
		return c.faultLocked(err)
	}
	defer access.Release()

	if c.src != nil {
		access.Write(RegSrcWatermark, uint32(w.SrcLow)<<16|uint32(w.SrcHigh)&0xffff)
	}

	if c.dst != nil {
		access.Write(RegDstWatermark, uint32(w.DstLow)<<16|uint32(w.DstHigh)&0xffff)
	}

	return nil
}

// CheckWatermarks compares the fill levels against the thresholds and reports
// every crossing since the previous check.
func (c *CopyEngine) CheckWatermarks() {
	var events [4]WatermarkEvent

	n := 0

	c.mu.Lock()
	handler := c.watermarkHandler
	w := c.watermarks

	if c.src != nil && w.SrcHigh > 0 {
		inFlight := int(c.src.used())
		switch {
		case !c.srcAboveHigh && inFlight >= w.SrcHigh:
			c.srcAboveHigh = true
			events[n] = SrcHigh
			n++
		case c.srcAboveHigh && inFlight <= w.SrcLow:
			c.srcAboveHigh = false
			events[n] = SrcLow
			n++
		}
	}

	if c.dst != nil && w.DstHigh > 0 {
		posted := int(c.dst.used())
		switch {
		case !c.dstBelowLow && posted <= w.DstLow:
			c.dstBelowLow = true
			events[n] = DstLow
			n++
		case c.dstBelowLow && posted >= w.DstHigh:
			c.dstBelowLow = false
			events[n] = DstHigh
			n++
		}
	}
	c.mu.Unlock()

	for _, event := range events[:n] {
		metrics.RecordWatermark(c.id, event.String())
		c.logger.Debug().Stringer("event", event).Msg("Watermark crossed")

		if handler != nil {
			handler(c, event)
		}
	}
}

func isHardwareFault(err error) bool {
	return errors.Is(err, gainErrors.ErrHardwareFault)
}
