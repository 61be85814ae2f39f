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
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

const (
	// AttrNoInterrupts leaves host interrupts masked; completions are polled.
	AttrNoInterrupts uint32 = 1 << iota
	// AttrDiag marks the diagnostic window engine.
	AttrDiag
)

// Attr describes the rings of one copy engine. A zero entry count means the
// engine has no ring in that direction.
type Attr struct {
	Flags          uint32
	SrcEntries     int
	SrcMaxTransfer int
	DstEntries     int
	DstMaxTransfer int
	// ByteSwap makes the engine swap 32-bit words between host and target order.
	// It is a runtime property of the host/target pair.
	ByteSwap bool
}

func (a Attr) validate() error {
	if a.SrcEntries == 0 && a.DstEntries == 0 {
		return gainErrors.ErrorInvalidConfig("copy engine without rings")
	}

	if a.SrcEntries > 0 && (a.SrcMaxTransfer <= 0 || a.SrcMaxTransfer > MaxTransfer) {
		return gainErrors.ErrorInvalidConfig("source max transfer %d out of range (1..%d)", a.SrcMaxTransfer, MaxTransfer)
	}

	if a.DstEntries > 0 && (a.DstMaxTransfer <= 0 || a.DstMaxTransfer > MaxTransfer) {
		return gainErrors.ErrorInvalidConfig("destination max transfer %d out of range (1..%d)", a.DstMaxTransfer, MaxTransfer)
	}

	return nil
}

func (a Attr) ctrl1() uint32 {
	value := uint32(a.DstMaxTransfer) & Ctrl1DstMaxLengthMask
	if a.ByteSwap {
		value |= Ctrl1SrcByteSwap | Ctrl1DstByteSwap
	}

	return value
}

func (a Attr) HasSource() bool {
	return a.SrcEntries > 0
}

func (a Attr) HasDestination() bool {
	return a.DstEntries > 0
}
