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

import "fmt"

// EndpointID is assigned by the target when a service connects.
type EndpointID uint8

const (
	// EndpointControl carries the connect handshake and is exempt from credit flow.
	EndpointControl EndpointID = 0
	MaxEndpoints               = 8
)

// ServiceID names a logical service the host connects to.
type ServiceID uint16

const (
	ServiceControl        ServiceID = 0x0001
	ServiceWMIControl     ServiceID = 0x0100
	ServiceWMIDataBE      ServiceID = 0x0101
	ServiceWMIDataBK      ServiceID = 0x0102
	ServiceWMIDataVI      ServiceID = 0x0103
	ServiceWMIDataVO      ServiceID = 0x0104
	ServiceHTTData        ServiceID = 0x0300
	ServiceTestRawStreams ServiceID = 0x0400
)

func (s ServiceID) String() string {
	switch s {
	case ServiceControl:
		return "control"
	case ServiceWMIControl:
		return "wmi-control"
	case ServiceWMIDataBE:
		return "wmi-data-be"
	case ServiceWMIDataBK:
		return "wmi-data-bk"
	case ServiceWMIDataVI:
		return "wmi-data-vi"
	case ServiceWMIDataVO:
		return "wmi-data-vo"
	case ServiceHTTData:
		return "htt-data"
	case ServiceTestRawStreams:
		return "test-raw-streams"
	default:
		return fmt.Sprintf("service-%#04x", uint16(s))
	}
}

// Copy engine numbers of the fixed pipe layout.
const (
	PipeControlOut = 0
	PipeHostIn     = 1
	PipeWMIIn      = 2
	PipeWMIOut     = 3
	PipeHTTOut     = 4
	PipeDiag       = 7
)

type pipePair struct {
	ul, dl int
}

var servicePipes = map[ServiceID]pipePair{
	ServiceControl:        {ul: PipeControlOut, dl: PipeHostIn},
	ServiceWMIControl:     {ul: PipeWMIOut, dl: PipeWMIIn},
	ServiceWMIDataBE:      {ul: PipeWMIOut, dl: PipeWMIIn},
	ServiceWMIDataBK:      {ul: PipeWMIOut, dl: PipeWMIIn},
	ServiceWMIDataVI:      {ul: PipeWMIOut, dl: PipeWMIIn},
	ServiceWMIDataVO:      {ul: PipeWMIOut, dl: PipeWMIIn},
	ServiceHTTData:        {ul: PipeHTTOut, dl: PipeHostIn},
	ServiceTestRawStreams: {ul: PipeWMIOut, dl: PipeWMIIn},
}

// ServicePipes returns the host-to-target (ul) and target-to-host (dl) copy
// engines a service is bound to.
func ServicePipes(service ServiceID) (ul int, dl int, ok bool) {
	pair, ok := servicePipes[service]

	return pair.ul, pair.dl, ok
}
