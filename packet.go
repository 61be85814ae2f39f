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
	"github.com/pawelgaczynski/htc/pkg/dmamem"
	syncPool "github.com/pawelgaczynski/htc/pkg/pool/sync"
	"github.com/pawelgaczynski/htc/wire"
)

// packet is one queued message of an endpoint.
type packet struct {
	payload []byte
	context any

	// set when the message is admitted
	credits    int
	seq        uint8
	needCredit bool
}

func (p *packet) frameSize() int {
	return wire.FrameSize(len(p.payload))
}

func (p *packet) header(eid wire.EndpointID) wire.Header {
	h := wire.Header{
		Endpoint:   eid,
		PayloadLen: uint16(len(p.payload)),
		Seq:        p.seq,
	}
	if p.needCredit {
		h.Flags |= wire.FlagNeedCreditUpdate
	}

	return h
}

var packetPool = syncPool.NewPool[*packet](
	func() *packet {
		return &packet{}
	},
	func(p *packet) {
		*p = packet{payload: p.payload[:0]}
	},
)

// txRecord ties an in-flight transfer to the messages it carries. Its handle
// is the transfer context of the final descriptor.
type txRecord struct {
	endpoint *Endpoint
	packets  []*packet
	region   dmamem.Region
}

var txRecordPool = syncPool.NewPool[*txRecord](
	func() *txRecord {
		return &txRecord{}
	},
	func(r *txRecord) {
		*r = txRecord{}
	},
)
