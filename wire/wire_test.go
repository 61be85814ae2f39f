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
	"testing"

	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	. "github.com/stretchr/testify/require"
)

func TestSplitFramesBackToBack(t *testing.T) {
	var buf []byte
	buf = AppendFrame(buf, Header{Endpoint: 2, Seq: 7}, []byte("hello"), nil)
	buf = AppendFrame(buf, Header{Endpoint: 3, Seq: 1, Flags: FlagNeedCreditUpdate}, []byte("world!!"),
		AppendCreditRecords(nil, []CreditReport{{Endpoint: 2, Credits: 4}}))
	// trailing zero padding as found in a receive buffer
	buf = append(buf, make([]byte, 32)...)

	frames, err := SplitFrames(buf)
	Nil(t, err)
	Len(t, frames, 2)

	Equal(t, EndpointID(2), frames[0].Header.Endpoint)
	Equal(t, uint8(7), frames[0].Header.Seq)
	Equal(t, []byte("hello"), frames[0].Payload)
	Empty(t, frames[0].Trailer)

	Equal(t, EndpointID(3), frames[1].Header.Endpoint)
	Equal(t, []byte("world!!"), frames[1].Payload)
	Equal(t, FlagNeedCreditUpdate|FlagTrailerPresent, frames[1].Header.Flags)
	Equal(t, "NeedCreditUpdate | TrailerPresent", frames[1].Header.FlagsString())

	trailer, err := ParseTrailer(frames[1].Trailer)
	Nil(t, err)
	Equal(t, []CreditReport{{Endpoint: 2, Credits: 4}}, trailer.Credits)
}

func TestSplitFramesTruncatedPayload(t *testing.T) {
	buf := AppendFrame(nil, Header{Endpoint: 1}, make([]byte, 20), nil)

	_, err := SplitFrames(buf[:HeaderSize+10])
	ErrorIs(t, err, gainErrors.ErrProtocol)
}

func TestParseHeaderTrailerLongerThanPayload(t *testing.T) {
	b := make([]byte, HeaderSize)
	Header{Endpoint: 1, Flags: FlagTrailerPresent, PayloadLen: 2, TrailerLen: 6}.Put(b)

	_, err := ParseHeader(b)
	ErrorIs(t, err, gainErrors.ErrProtocol)
}

func TestParseTrailer(t *testing.T) {
	testCases := []struct {
		name    string
		trailer []byte
		credits []CreditReport
		err     error
	}{
		{
			name:    "credit record",
			trailer: []byte{RecordCredit, 4, 1, 2, 3, 5},
			credits: []CreditReport{{Endpoint: 1, Credits: 2}, {Endpoint: 3, Credits: 5}},
		},
		{
			name:    "lookahead skipped",
			trailer: []byte{RecordLookahead, 3, 0xaa, 0xbb, 0xcc, RecordCredit, 2, 4, 1},
			credits: []CreditReport{{Endpoint: 4, Credits: 1}},
		},
		{
			name:    "unknown record skipped",
			trailer: []byte{0x7f, 1, 0, RecordCredit, 2, 1, 1},
			credits: []CreditReport{{Endpoint: 1, Credits: 1}},
		},
		{
			name:    "record exceeds trailer",
			trailer: []byte{RecordCredit, 8, 1, 2},
			err:     gainErrors.ErrProtocol,
		},
		{
			name:    "dangling record header",
			trailer: []byte{RecordCredit, 2, 1, 2, RecordCredit},
			err:     gainErrors.ErrProtocol,
		},
		{
			name:    "odd credit record",
			trailer: []byte{RecordCredit, 3, 1, 2, 3},
			err:     gainErrors.ErrProtocol,
		},
		{
			name:    "endpoint out of range",
			trailer: []byte{RecordCredit, 2, MaxEndpoints, 1},
			err:     gainErrors.ErrProtocol,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			trailer, err := ParseTrailer(testCase.trailer)
			if testCase.err != nil {
				ErrorIs(t, err, testCase.err)

				return
			}
			Nil(t, err)
			Equal(t, testCase.credits, trailer.Credits)
		})
	}
}

func TestAppendCreditRecordsSplitsLongLists(t *testing.T) {
	reports := make([]CreditReport, 200)
	for i := range reports {
		reports[i] = CreditReport{Endpoint: EndpointID(i % MaxEndpoints), Credits: 1}
	}

	trailer, err := ParseTrailer(AppendCreditRecords(nil, reports))
	Nil(t, err)
	Equal(t, reports, trailer.Credits)
}

func TestControlMessages(t *testing.T) {
	ready, err := ParseReady(Ready{CreditCount: 32, CreditSize: 256, MaxEndpoints: 8}.Append(nil))
	Nil(t, err)
	Equal(t, Ready{CreditCount: 32, CreditSize: 256, MaxEndpoints: 8}, ready)

	connect, err := ParseConnectService(ConnectService{Service: ServiceWMIControl, QueueDepth: 16}.Append(nil))
	Nil(t, err)
	Equal(t, ServiceWMIControl, connect.Service)
	Equal(t, uint16(16), connect.QueueDepth)

	response := ConnectServiceResponse{
		Service: ServiceHTTData, Status: ConnectSuccess, Endpoint: 2, MaxMsgSize: 1500, CreditAlloc: 10,
	}
	parsed, err := ParseConnectServiceResponse(response.Append(nil))
	Nil(t, err)
	Equal(t, response, parsed)

	id, err := ControlMessageID(SetupComplete{}.Append(nil))
	Nil(t, err)
	Equal(t, MsgSetupComplete, id)

	_, err = ParseReady(ConnectService{}.Append(nil))
	ErrorIs(t, err, gainErrors.ErrProtocol)

	_, err = ParseReady(Ready{CreditCount: 1}.Append(nil))
	ErrorIs(t, err, gainErrors.ErrProtocol)

	_, err = ParseConnectServiceResponse(ConnectServiceResponse{Endpoint: EndpointControl}.Append(nil))
	ErrorIs(t, err, gainErrors.ErrProtocol)

	_, err = ControlMessageID([]byte{1})
	ErrorIs(t, err, gainErrors.ErrProtocol)
}

func TestServicePipes(t *testing.T) {
	ul, dl, ok := ServicePipes(ServiceControl)
	True(t, ok)
	Equal(t, PipeControlOut, ul)
	Equal(t, PipeHostIn, dl)

	ul, dl, ok = ServicePipes(ServiceHTTData)
	True(t, ok)
	Equal(t, PipeHTTOut, ul)
	Equal(t, PipeHostIn, dl)

	_, _, ok = ServicePipes(ServiceID(0x7777))
	False(t, ok)
	Equal(t, "service-0x7777", ServiceID(0x7777).String())
}
