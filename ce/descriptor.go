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
	"strings"

	"github.com/pawelgaczynski/htc/pkg/dmamem"
)

// DescriptorSize is the size of a source or destination descriptor in device memory.
const DescriptorSize = 8

// Control word layout, shared by source and destination descriptors.
const (
	FlagGather   uint32 = 1 << 16
	FlagByteSwap uint32 = 1 << 17

	lengthMask   uint32 = 0xffff
	flagsMask           = FlagGather | FlagByteSwap
	tagShift            = 18
	TagMask      uint16 = 0x3fff
	MaxTransfer         = int(lengthMask)
	controlShift        = 4
)

// Memory is device-visible memory as seen by a copy engine.
type Memory interface {
	Alloc(n int) (dmamem.Region, error)
	Free(r dmamem.Region)
	Load32(addr uint32) uint32
	Store32(addr uint32, value uint32)
}

// Descriptor is one hardware transfer unit: a 32-bit device address followed by
// a 32-bit control word carrying length, flags and the 14-bit transfer tag.
// In a destination descriptor the length doubles as the done flag.
type Descriptor struct {
	Addr    uint32
	Control uint32
}

func MakeDescriptor(addr uint32, length int, tag uint16, flags uint32) Descriptor {
	return Descriptor{
		Addr:    addr,
		Control: uint32(length)&lengthMask | flags&flagsMask | uint32(tag&TagMask)<<tagShift,
	}
}

func (d Descriptor) Len() int {
	return int(d.Control & lengthMask)
}

func (d Descriptor) Tag() uint16 {
	return uint16(d.Control>>tagShift) & TagMask
}

func (d Descriptor) Flags() uint32 {
	return d.Control & flagsMask
}

func (d Descriptor) Gather() bool {
	return d.Control&FlagGather != 0
}

func (d Descriptor) FlagsString() string {
	flagsStrings := make([]string, 0, 2)
	if d.Control&FlagGather > 0 {
		flagsStrings = append(flagsStrings, "Gather")
	}
	if d.Control&FlagByteSwap > 0 {
		flagsStrings = append(flagsStrings, "ByteSwap")
	}

	return strings.Join(flagsStrings, " | ")
}

// LoadDescriptor reads the descriptor at addr. The control word is loaded first
// so that a nonzero destination length is observed before the address.
func LoadDescriptor(mem Memory, addr uint32) Descriptor {
	control := mem.Load32(addr + controlShift)

	return Descriptor{
		Addr:    mem.Load32(addr),
		Control: control,
	}
}

// StoreDescriptor writes the address before the control word, so a reader that
// sees the control word also sees the address.
func StoreDescriptor(mem Memory, addr uint32, d Descriptor) {
	mem.Store32(addr, d.Addr)
	mem.Store32(addr+controlShift, d.Control)
}

// SetControl overwrites the control word only; targets use it to mark a destination descriptor done.
func SetControl(mem Memory, addr uint32, control uint32) {
	mem.Store32(addr+controlShift, control)
}
