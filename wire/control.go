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

package wire

import (
	"encoding/binary"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// Control message ids, carried in the first two bytes of every control endpoint payload.
const (
	MsgReady                  uint16 = 1
	MsgConnectService         uint16 = 2
	MsgConnectServiceResponse uint16 = 3
	MsgSetupComplete          uint16 = 4
)

// Connect response status codes.
const (
	ConnectSuccess    uint8 = 0
	ConnectNotFound   uint8 = 1
	ConnectFailed     uint8 = 2
	ConnectNoResource uint8 = 3
)

const (
	readySize           = 2 + 2 + 2 + 1 + 1
	connectSize         = 2 + 2 + 2 + 2
	connectResponseSize = 2 + 2 + 1 + 1 + 2 + 1 + 1
	setupCompleteSize   = 2 + 2
)

// Ready is the first message of the target after boot.
type Ready struct {
	CreditCount  uint16
	CreditSize   uint16
	MaxEndpoints uint8
}

func (m Ready) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, MsgReady)
	dst = binary.LittleEndian.AppendUint16(dst, m.CreditCount)
	dst = binary.LittleEndian.AppendUint16(dst, m.CreditSize)

	return append(dst, m.MaxEndpoints, 0)
}

// ConnectService asks the target for an endpoint bound to Service.
type ConnectService struct {
	Service    ServiceID
	Flags      uint16
	QueueDepth uint16
}

func (m ConnectService) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, MsgConnectService)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(m.Service))
	dst = binary.LittleEndian.AppendUint16(dst, m.Flags)

	return binary.LittleEndian.AppendUint16(dst, m.QueueDepth)
}

// ConnectServiceResponse assigns an endpoint and its initial credits.
type ConnectServiceResponse struct {
	Service     ServiceID
	Status      uint8
	Endpoint    EndpointID
	MaxMsgSize  uint16
	CreditAlloc uint8
}

func (m ConnectServiceResponse) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, MsgConnectServiceResponse)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(m.Service))
	dst = append(dst, m.Status, uint8(m.Endpoint))
	dst = binary.LittleEndian.AppendUint16(dst, m.MaxMsgSize)

	return append(dst, m.CreditAlloc, 0)
}

// SetupComplete tells the target the host has connected every service it needs.
type SetupComplete struct{}

func (m SetupComplete) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, MsgSetupComplete)

	return append(dst, 0, 0)
}

// ControlMessageID returns the id of a control payload.
func ControlMessageID(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, gainErrors.ErrorProtocol("control message truncated to %d bytes", len(b))
	}

	return binary.LittleEndian.Uint16(b), nil
}

func ParseReady(b []byte) (Ready, error) {
	if err := checkControl(b, MsgReady, readySize); err != nil {
		return Ready{}, err
	}

	m := Ready{
		CreditCount:  binary.LittleEndian.Uint16(b[2:]),
		CreditSize:   binary.LittleEndian.Uint16(b[4:]),
		MaxEndpoints: b[6],
	}

	if m.CreditSize == 0 {
		return m, gainErrors.ErrorProtocol("ready with zero credit size")
	}

	return m, nil
}

func ParseConnectService(b []byte) (ConnectService, error) {
	if err := checkControl(b, MsgConnectService, connectSize); err != nil {
		return ConnectService{}, err
	}

	return ConnectService{
		Service:    ServiceID(binary.LittleEndian.Uint16(b[2:])),
		Flags:      binary.LittleEndian.Uint16(b[4:]),
		QueueDepth: binary.LittleEndian.Uint16(b[6:]),
	}, nil
}

func ParseConnectServiceResponse(b []byte) (ConnectServiceResponse, error) {
	if err := checkControl(b, MsgConnectServiceResponse, connectResponseSize); err != nil {
		return ConnectServiceResponse{}, err
	}

	m := ConnectServiceResponse{
		Service:     ServiceID(binary.LittleEndian.Uint16(b[2:])),
		Status:      b[4],
		Endpoint:    EndpointID(b[5]),
		MaxMsgSize:  binary.LittleEndian.Uint16(b[6:]),
		CreditAlloc: b[8],
	}

	if m.Status == ConnectSuccess && (m.Endpoint == EndpointControl || m.Endpoint >= MaxEndpoints) {
		return m, gainErrors.ErrorProtocol("connect response assigns endpoint %d", m.Endpoint)
	}

	return m, nil
}

func checkControl(b []byte, id uint16, size int) error {
	got, err := ControlMessageID(b)
	if err != nil {
		return err
	}

	if got != id {
		return gainErrors.ErrorProtocol("control message %d, expected %d", got, id)
	}

	if len(b) < size {
		return gainErrors.ErrorProtocol("control message %d truncated to %d bytes (want %d)", id, len(b), size)
	}

	return nil
}
