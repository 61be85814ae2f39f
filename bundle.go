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
	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/wire"
)

// bundleEligible reports whether a queue of the given depth is packed into
// bundles: it must be deeper than the configured minimum. The control
// endpoint never bundles.
func (ep *Endpoint) bundleEligible(queued int) bool {
	return ep.config.bundling &&
		ep.config.creditFlow &&
		ep.config.id != wire.EndpointControl &&
		queued > ep.config.bundleMinQueueDepth
}

func (ep *Endpoint) bundleBudget() int {
	return ep.config.maxBundleCredits * ep.config.creditSize
}

// extendBundleLocked keeps admitting queued messages while they fit into the
// bundle byte budget and the endpoint can pay for them. A message that does
// not fit stays at the head of the queue and starts the next bundle.
func (ep *Endpoint) extendBundleLocked(batch []*packet) []*packet {
	budget := ep.bundleBudget()
	size := wire.PaddedFrameSize(len(batch[0].payload))
	credits := batch[0].credits

	if size > budget {
		return batch
	}

	for ep.txQueue.Len() > 0 {
		next := ep.txQueue.Front()
		nextSize := wire.PaddedFrameSize(len(next.payload))
		need := ep.creditsFor(next)

		if size+nextSize > budget || credits+need > ep.config.maxBundleCredits || ep.credits < need {
			break
		}

		batch = append(batch, ep.admitFrontLocked())
		size += nextSize
		credits += need
	}

	return batch
}

// transferSize is the number of bytes a batch occupies in device memory.
// Single messages are sent unpadded.
func transferSize(batch []*packet) int {
	if len(batch) == 1 {
		return batch[0].frameSize()
	}

	size := 0
	for _, pkt := range batch {
		size += wire.PaddedFrameSize(len(pkt.payload))
	}

	return size
}

// layoutFrames writes the frames of batch back to back into buf, which must
// hold transferSize(batch) bytes.
func layoutFrames(buf []byte, eid wire.EndpointID, batch []*packet) {
	off := 0

	for _, pkt := range batch {
		pkt.header(eid).Put(buf[off:])
		copy(buf[off+wire.HeaderSize:], pkt.payload)

		end := off + pkt.frameSize()
		next := end
		if len(batch) > 1 {
			next = wire.Align(end)
		}
		clear(buf[end:next])
		off = next
	}
}

// gatherItems splits [addr, addr+size) into descriptors of at most
// maxTransfer bytes. Only the last one carries context.
func gatherItems(addr uint32, size int, maxTransfer int, tag uint16, context any) []ce.SendItem {
	items := make([]ce.SendItem, 0, (size+maxTransfer-1)/maxTransfer)

	for off := 0; off < size; off += maxTransfer {
		length := min(maxTransfer, size-off)
		items = append(items, ce.SendItem{
			Addr:   addr + uint32(off),
			Length: length,
			Tag:    tag,
		})
	}
	items[len(items)-1].Context = context

	return items
}

// transferTag derives the 14-bit descriptor tag from the endpoint and the
// sequence number of the first message.
func transferTag(eid wire.EndpointID, seq uint8) uint16 {
	return (uint16(eid)<<8 | uint16(seq)) & ce.TagMask
}
