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
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pawelgaczynski/htc/ce"
	"github.com/pawelgaczynski/htc/logger"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type engineFile struct {
	ID             int  `yaml:"id"`
	SrcEntries     int  `yaml:"src_entries"`
	SrcMaxTransfer int  `yaml:"src_max_transfer"`
	DstEntries     int  `yaml:"dst_entries"`
	DstMaxTransfer int  `yaml:"dst_max_transfer"`
	NoInterrupts   bool `yaml:"no_interrupts"`
	Diag           bool `yaml:"diag"`
}

// configFile is the on-disk form of Config. Pointer fields distinguish
// "not set" from zero values.
type configFile struct {
	Engines             []engineFile   `yaml:"engines"`
	Watermarks          *bool          `yaml:"watermarks"`
	MaxDrainIterations  *int           `yaml:"max_drain_iterations"`
	CompletionBatch     *int           `yaml:"completion_batch"`
	Bundling            *bool          `yaml:"bundling"`
	BundleMinQueueDepth *int           `yaml:"bundle_min_queue_depth"`
	MaxBundleCredits    *int           `yaml:"max_bundle_credits"`
	TxQueueDepth        *int           `yaml:"tx_queue_depth"`
	ByteSwap            *bool          `yaml:"byte_swap"`
	AsyncCallbacks      *bool          `yaml:"async_callbacks"`
	GoroutinePool       *bool          `yaml:"goroutine_pool"`
	GoroutinePoolSize   *int           `yaml:"goroutine_pool_size"`
	LockOSThread        *bool          `yaml:"lock_os_thread"`
	CPUAffinity         *int           `yaml:"cpu_affinity"`
	ProcessPriority     *bool          `yaml:"process_priority"`
	ControlTimeout      *time.Duration `yaml:"control_timeout"`
	DiagTimeout         *time.Duration `yaml:"diag_timeout"`
	PollInterval        *time.Duration `yaml:"poll_interval"`
	ArenaSize           *int           `yaml:"arena_size"`
	LoggerLevel         *string        `yaml:"logger_level"`
	PrettyLogger        *bool          `yaml:"pretty_logger"`
}

// LoadConfigFile reads a YAML configuration. Options in opts are applied after
// the file, so they take precedence.
func LoadConfigFile(path string, opts ...ConfigOption) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}

	config, err := ParseConfig(bytes.NewReader(data), opts...)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config file %s", path)
	}

	return config, nil
}

// ParseConfig decodes YAML from r into a Config. Unknown keys are rejected.
func ParseConfig(r io.Reader, opts ...ConfigOption) (Config, error) {
	var file configFile

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, gainErrors.ErrorInvalidConfig("%v", err)
	}

	fileOpts, err := file.options()
	if err != nil {
		return Config{}, err
	}

	config := NewConfig(append(fileOpts, opts...)...)

	return config, config.validate()
}

func (f configFile) options() ([]ConfigOption, error) {
	var opts []ConfigOption

	for _, engine := range f.Engines {
		if engine.ID < 0 || engine.ID >= ce.MaxEngines {
			return nil, gainErrors.ErrorInvalidConfig("engine id %d", engine.ID)
		}

		attr := ce.Attr{
			SrcEntries:     engine.SrcEntries,
			SrcMaxTransfer: engine.SrcMaxTransfer,
			DstEntries:     engine.DstEntries,
			DstMaxTransfer: engine.DstMaxTransfer,
		}
		if engine.NoInterrupts {
			attr.Flags |= ce.AttrNoInterrupts
		}
		if engine.Diag {
			attr.Flags |= ce.AttrDiag
		}
		opts = append(opts, WithEngine(engine.ID, attr))
	}

	opts = appendIfSet(opts, f.Watermarks, WithWatermarks)
	opts = appendIfSet(opts, f.MaxDrainIterations, WithMaxDrainIterations)
	opts = appendIfSet(opts, f.CompletionBatch, WithCompletionBatch)
	opts = appendIfSet(opts, f.Bundling, WithBundling)
	opts = appendIfSet(opts, f.BundleMinQueueDepth, WithBundleMinQueueDepth)
	opts = appendIfSet(opts, f.MaxBundleCredits, WithMaxBundleCredits)
	opts = appendIfSet(opts, f.TxQueueDepth, WithTxQueueDepth)
	opts = appendIfSet(opts, f.ByteSwap, WithByteSwap)
	opts = appendIfSet(opts, f.AsyncCallbacks, WithAsyncCallbacks)
	opts = appendIfSet(opts, f.GoroutinePool, WithGoroutinePool)
	opts = appendIfSet(opts, f.GoroutinePoolSize, WithGoroutinePoolSize)
	opts = appendIfSet(opts, f.LockOSThread, WithLockOSThread)
	opts = appendIfSet(opts, f.CPUAffinity, WithCPUAffinity)
	opts = appendIfSet(opts, f.ProcessPriority, WithProcessPriority)
	opts = appendIfSet(opts, f.ControlTimeout, WithControlTimeout)
	opts = appendIfSet(opts, f.DiagTimeout, WithDiagTimeout)
	opts = appendIfSet(opts, f.PollInterval, WithPollInterval)
	opts = appendIfSet(opts, f.ArenaSize, WithArenaSize)
	opts = appendIfSet(opts, f.PrettyLogger, WithPrettyLogger)

	if f.LoggerLevel != nil {
		level, err := logger.ParseLevel(*f.LoggerLevel)
		if err != nil {
			return nil, gainErrors.ErrorInvalidConfig("%v", err)
		}
		opts = append(opts, WithLoggerLevel(level))
	}

	return opts, nil
}

func appendIfSet[T any](opts []ConfigOption, value *T, option func(T) ConfigOption) []ConfigOption {
	if value == nil {
		return opts
	}

	return append(opts, option(*value))
}
