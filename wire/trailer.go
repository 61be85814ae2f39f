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
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
)

// Trailer record ids.
const (
	RecordNull      uint8 = 0
	RecordCredit    uint8 = 1
	RecordLookahead uint8 = 2

	recordHeaderSize = 2
	creditEntrySize  = 2
	// maxRecordLen is the largest record body a u8 length can describe.
	maxRecordLen = 255
)

// CreditReport returns Credits to Endpoint.
type CreditReport struct {
	Endpoint EndpointID
	Credits  uint8
}

// Trailer is the decoded form of the trailer records of one message.
type Trailer struct {
	Credits   []CreditReport
	Lookahead []byte
}

// AppendCreditRecords appends credit reports as one or more credit records.
// Reports above 255 credits must be split by the caller.
func AppendCreditRecords(dst []byte, reports []CreditReport) []byte {
	const perRecord = maxRecordLen / creditEntrySize

	for len(reports) > 0 {
		chunk := reports
		if len(chunk) > perRecord {
			chunk = chunk[:perRecord]
		}
		reports = reports[len(chunk):]

		dst = append(dst, RecordCredit, uint8(len(chunk)*creditEntrySize))
		for _, r := range chunk {
			dst = append(dst, uint8(r.Endpoint), r.Credits)
		}
	}

	return dst
}

// ParseTrailer decodes the records of a trailer. Unknown records are skipped;
// a record running past the trailer end is a protocol error.
func ParseTrailer(b []byte) (Trailer, error) {
	var t Trailer

	for off := 0; off < len(b); {
		if len(b)-off < recordHeaderSize {
			return t, gainErrors.ErrorProtocol("trailer record header truncated at offset %d", off)
		}

		id, length := b[off], int(b[off+1])
		off += recordHeaderSize

		if length > len(b)-off {
			return t, gainErrors.ErrorProtocol("trailer record %d length %d exceeds trailer (%d left)", id, length, len(b)-off)
		}

		body := b[off : off+length]
		off += length

		switch id {
		case RecordCredit:
			if length%creditEntrySize != 0 {
				return t, gainErrors.ErrorProtocol("credit record length %d is not a multiple of %d", length, creditEntrySize)
			}

			for i := 0; i < length; i += creditEntrySize {
				eid := EndpointID(body[i])
				if eid >= MaxEndpoints {
					return t, gainErrors.ErrorProtocol("credit report for endpoint %d", eid)
				}
				t.Credits = append(t.Credits, CreditReport{Endpoint: eid, Credits: body[i+1]})
			}
		case RecordLookahead:
			t.Lookahead = body
		case RecordNull:
		default:
		}
	}

	return t, nil
}
