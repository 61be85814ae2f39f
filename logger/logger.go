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
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
	PanicLevel = zerolog.PanicLevel
	Disabled   = zerolog.Disabled
	TraceLevel = zerolog.TraceLevel
	NoLevel    = zerolog.NoLevel
)

// Component names used by the transport stack.
const (
	ComponentTransport = "transport"
	ComponentCE        = "ce"
	ComponentEndpoint  = "endpoint"
	ComponentTarget    = "target"
)

var levelNames = map[string]zerolog.Level{
	"debug":    DebugLevel,
	"info":     InfoLevel,
	"warn":     WarnLevel,
	"error":    ErrorLevel,
	"fatal":    FatalLevel,
	"panic":    PanicLevel,
	"disabled": Disabled,
	"trace":    TraceLevel,
}

func NewLogger(component string, level zerolog.Level, pretty bool) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, level, pretty)
}

// NewLoggerTo is NewLogger with an explicit destination, mostly for tests.
func NewLoggerTo(out io.Writer, component string, level zerolog.Level, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Str("component", component).Logger().Level(level)

	if pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	return logger
}

// ParseLevel maps a flag value such as "debug" to a level.
func ParseLevel(name string) (zerolog.Level, error) {
	level, ok := levelNames[name]
	if !ok {
		return NoLevel, fmt.Errorf("unknown logger level %q", name)
	}

	return level, nil
}

// LevelNames returns accepted ParseLevel inputs.
func LevelNames() []string {
	return []string{"debug", "info", "warn", "error", "fatal", "panic", "disabled", "trace"}
}
