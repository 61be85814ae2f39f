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

// Package wire holds the message framing shared by host and target: the
// per-message header, trailer records, control messages and the service map.
package wire

import (
	"encoding/binary"
	"strings"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// HeaderSize is the size of the fixed header in front of every message.
const HeaderSize = 8

// FrameAlignment is the padding unit between messages packed into one transfer.
const FrameAlignment = 4

// Header flags.
const (
	// FlagNeedCreditUpdate asks the target to return credits promptly.
	FlagNeedCreditUpdate uint8 = 1 << iota
	// FlagTrailerPresent marks TrailerLen trailing bytes of the payload as trailer records.
	FlagTrailerPresent
)

// Header is the fixed message header:
//
//	eid u8 | flags u8 | payload_len u16 | trailer_len u8 | seq u8 | reserved u16
//
// PayloadLen counts the trailer as well.
type Header struct {
	Endpoint   EndpointID
	Flags      uint8
	PayloadLen uint16
	TrailerLen uint8
	Seq        uint8
}

func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = uint8(h.Endpoint)
	b[1] = h.Flags
	binary.LittleEndian.PutUint16(b[2:4], h.PayloadLen)
	b[4] = h.TrailerLen
	b[5] = h.Seq
	b[6] = 0
	b[7] = 0
}

func (h Header) IsZero() bool {
	return h == Header{}
}

func (h Header) FlagsString() string {
	flagsStrings := make([]string, 0, 2)
	if h.Flags&FlagNeedCreditUpdate > 0 {
		flagsStrings = append(flagsStrings, "NeedCreditUpdate")
	}
	if h.Flags&FlagTrailerPresent > 0 {
		flagsStrings = append(flagsStrings, "TrailerPresent")
	}

	return strings.Join(flagsStrings, " | ")
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, gainErrors.ErrorProtocol("header truncated to %d bytes", len(b))
	}

	h := Header{
		Endpoint:   EndpointID(b[0]),
		Flags:      b[1],
		PayloadLen: binary.LittleEndian.Uint16(b[2:4]),
		TrailerLen: b[4],
		Seq:        b[5],
	}

	if h.Flags&FlagTrailerPresent == 0 && h.TrailerLen != 0 {
		return h, gainErrors.ErrorProtocol("trailer length %d without trailer flag", h.TrailerLen)
	}

	if int(h.TrailerLen) > int(h.PayloadLen) {
		return h, gainErrors.ErrorProtocol("trailer length %d exceeds payload length %d", h.TrailerLen, h.PayloadLen)
	}

	return h, nil
}

// FrameSize returns header plus payload, without padding.
func FrameSize(payloadLen int) int {
	return HeaderSize + payloadLen
}

// PaddedFrameSize returns FrameSize rounded up to FrameAlignment.
func PaddedFrameSize(payloadLen int) int {
	return Align(FrameSize(payloadLen))
}

func Align(n int) int {
	return (n + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Frame is one message found in a transfer.
type Frame struct {
	Header  Header
	Payload []byte
	Trailer []byte
}

// AppendFrame appends header, payload and trailer, padded to FrameAlignment.
// The header PayloadLen and TrailerLen fields are derived from the slices.
func AppendFrame(dst []byte, h Header, payload []byte, trailer []byte) []byte {
	h.PayloadLen = uint16(len(payload) + len(trailer))
	h.TrailerLen = uint8(len(trailer))

	if len(trailer) > 0 {
		h.Flags |= FlagTrailerPresent
	} else {
		h.Flags &^= FlagTrailerPresent
	}

	start := len(dst)
	size := PaddedFrameSize(len(payload) + len(trailer))
	dst = append(dst, make([]byte, size)...)
	h.Put(dst[start:])
	n := copy(dst[start+HeaderSize:], payload)
	copy(dst[start+HeaderSize+n:], trailer)

	return dst
}

// SplitFrames walks the messages packed back to back into buf. Parsing stops
// at the end of buf or at an all-zero header. Slices alias buf.
func SplitFrames(buf []byte) ([]Frame, error) {
	var frames []Frame

	for off := 0; len(buf)-off >= HeaderSize; {
		h, err := ParseHeader(buf[off:])
		if err != nil {
			return frames, err
		}

		if h.IsZero() {
			break
		}

		end := off + FrameSize(int(h.PayloadLen))
		if end > len(buf) {
			return frames, gainErrors.ErrorProtocol("endpoint %d payload length %d exceeds transfer (%d bytes left)",
				h.Endpoint, h.PayloadLen, len(buf)-off-HeaderSize)
		}

		body := buf[off+HeaderSize : end]
		split := len(body) - int(h.TrailerLen)
		frames = append(frames, Frame{
			Header:  h,
			Payload: body[:split:split],
			Trailer: body[split:],
		})

		off = Align(end)
	}

	return frames, nil
}
