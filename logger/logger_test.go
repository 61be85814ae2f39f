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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	. "github.com/stretchr/testify/require"
)

func TestNewLoggerTo(t *testing.T) {
	var out bytes.Buffer

	log := NewLoggerTo(&out, ComponentCE, InfoLevel, false)
	log.Debug().Msg("hidden")
	log.Info().Int("ce", 3).Msg("Ring initialized")

	var entry map[string]any
	NoError(t, json.Unmarshal(out.Bytes(), &entry))
	Equal(t, "ce", entry["component"])
	Equal(t, "info", entry["level"])
	Equal(t, "Ring initialized", entry["message"])
	Equal(t, float64(3), entry["ce"])
}

func TestParseLevel(t *testing.T) {
	for _, name := range LevelNames() {
		level, err := ParseLevel(name)
		NoError(t, err)
		Equal(t, name, level.String())
	}

	_, err := ParseLevel("loud")
	Error(t, err)
}
