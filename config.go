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
	"time"

	"github.com/pawelgaczynski/htc/ce"
	gainErrors "github.com/pawelgaczynski/htc/pkg/errors"
	"github.com/pawelgaczynski/htc/wire"
	"github.com/rs/zerolog"
)

const (
	defaultMaxDrainIterations  = 16
	defaultCompletionBatch     = 32
	defaultBundleMinQueueDepth = 2
	defaultMaxBundleCredits    = 8
	defaultTxQueueDepth        = 512
	defaultControlTimeout      = 3 * time.Second
	defaultDiagTimeout         = time.Second
	defaultPollInterval        = 5 * time.Millisecond
	defaultArenaSize           = 4 << 20
	defaultGoroutinePoolSize   = 64
	defaultGoroutinePoolQueue  = 1024
)

type ConfigOption func(*Config)

type Config struct {
	// Engines holds the attributes of each copy engine; engines with no rings are unused.
	Engines [ce.MaxEngines]ce.Attr
	// Watermarks enables ring fill level events at a quarter and three quarters of each ring.
	Watermarks bool
	// MaxDrainIterations bounds the completion loop of one interrupt service.
	MaxDrainIterations int
	// CompletionBatch is the number of completions fetched per engine per poll.
	CompletionBatch int
	// Bundling packs queued messages of an endpoint into one gathered transfer.
	Bundling bool
	// BundleMinQueueDepth is the queue depth an endpoint must exceed before it bundles.
	BundleMinQueueDepth int
	MaxBundleCredits    int
	// TxQueueDepth bounds the transmit queue of endpoints connected without
	// their own depth.
	TxQueueDepth int
	ByteSwap     bool
	// AsyncCallbacks moves service callbacks off the interrupt path onto a delivery goroutine.
	AsyncCallbacks bool
	// GoroutinePool runs asynchronous callbacks on a worker pool instead of a single consumer.
	GoroutinePool     bool
	GoroutinePoolSize int
	LockOSThread      bool
	CPUAffinity       bool
	AffinityCPU       int
	ProcessPriority   bool
	ControlTimeout    time.Duration
	DiagTimeout       time.Duration
	// PollInterval is how often the dispatcher services engines that raise no interrupts.
	PollInterval time.Duration
	ArenaSize    int
	LoggerLevel  zerolog.Level
	PrettyLogger bool
}

// DefaultEngines is the pipe layout of the target: control and WMI pipes in
// both directions, a polled HTT data pipe and the diagnostic window.
func DefaultEngines() [ce.MaxEngines]ce.Attr {
	var engines [ce.MaxEngines]ce.Attr

	engines[wire.PipeControlOut] = ce.Attr{SrcEntries: 16, SrcMaxTransfer: 256}
	engines[wire.PipeHostIn] = ce.Attr{DstEntries: 64, DstMaxTransfer: 2048}
	engines[wire.PipeWMIIn] = ce.Attr{DstEntries: 32, DstMaxTransfer: 2048}
	engines[wire.PipeWMIOut] = ce.Attr{SrcEntries: 32, SrcMaxTransfer: 2048}
	engines[wire.PipeHTTOut] = ce.Attr{Flags: ce.AttrNoInterrupts, SrcEntries: 256, SrcMaxTransfer: 256}
	engines[wire.PipeDiag] = ce.Attr{
		Flags:      ce.AttrDiag | ce.AttrNoInterrupts,
		SrcEntries: 2, SrcMaxTransfer: 2048,
		DstEntries: 2, DstMaxTransfer: 2048,
	}

	return engines
}

func WithEngine(id int, attr ce.Attr) ConfigOption {
	return func(c *Config) {
		c.Engines[id] = attr
	}
}

func WithWatermarks(watermarks bool) ConfigOption {
	return func(c *Config) {
		c.Watermarks = watermarks
	}
}

func WithMaxDrainIterations(iterations int) ConfigOption {
	return func(c *Config) {
		c.MaxDrainIterations = iterations
	}
}

func WithCompletionBatch(batch int) ConfigOption {
	return func(c *Config) {
		c.CompletionBatch = batch
	}
}

func WithBundling(bundling bool) ConfigOption {
	return func(c *Config) {
		c.Bundling = bundling
	}
}

func WithBundleMinQueueDepth(depth int) ConfigOption {
	return func(c *Config) {
		c.BundleMinQueueDepth = depth
	}
}

func WithMaxBundleCredits(credits int) ConfigOption {
	return func(c *Config) {
		c.MaxBundleCredits = credits
	}
}

func WithTxQueueDepth(depth int) ConfigOption {
	return func(c *Config) {
		c.TxQueueDepth = depth
	}
}

func WithByteSwap(byteSwap bool) ConfigOption {
	return func(c *Config) {
		c.ByteSwap = byteSwap
	}
}

func WithAsyncCallbacks(asyncCallbacks bool) ConfigOption {
	return func(c *Config) {
		c.AsyncCallbacks = asyncCallbacks
	}
}

func WithGoroutinePool(goroutinePool bool) ConfigOption {
	return func(c *Config) {
		c.GoroutinePool = goroutinePool
	}
}

func WithGoroutinePoolSize(size int) ConfigOption {
	return func(c *Config) {
		c.GoroutinePoolSize = size
	}
}

func WithLockOSThread(lockOSThread bool) ConfigOption {
	return func(c *Config) {
		c.LockOSThread = lockOSThread
	}
}

// WithCPUAffinity pins the interrupt dispatcher thread to cpu.
func WithCPUAffinity(cpu int) ConfigOption {
	return func(c *Config) {
		c.CPUAffinity = true
		c.AffinityCPU = cpu
	}
}

func WithProcessPriority(processPriority bool) ConfigOption {
	return func(c *Config) {
		c.ProcessPriority = processPriority
	}
}

func WithControlTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.ControlTimeout = timeout
	}
}

func WithDiagTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.DiagTimeout = timeout
	}
}

func WithPollInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithArenaSize(size int) ConfigOption {
	return func(c *Config) {
		c.ArenaSize = size
	}
}

func WithLoggerLevel(loggerLevel zerolog.Level) ConfigOption {
	return func(c *Config) {
		c.LoggerLevel = loggerLevel
	}
}

func WithPrettyLogger(prettyLogger bool) ConfigOption {
	return func(c *Config) {
		c.PrettyLogger = prettyLogger
	}
}

func NewConfig(opts ...ConfigOption) Config {
	config := Config{
		Engines:             DefaultEngines(),
		MaxDrainIterations:  defaultMaxDrainIterations,
		CompletionBatch:     defaultCompletionBatch,
		BundleMinQueueDepth: defaultBundleMinQueueDepth,
		MaxBundleCredits:    defaultMaxBundleCredits,
		TxQueueDepth:        defaultTxQueueDepth,
		GoroutinePoolSize:   defaultGoroutinePoolSize,
		ControlTimeout:      defaultControlTimeout,
		DiagTimeout:         defaultDiagTimeout,
		PollInterval:        defaultPollInterval,
		ArenaSize:           defaultArenaSize,
		LoggerLevel:         zerolog.ErrorLevel,
	}
	for _, opt := range opts {
		opt(&config)
	}

	for id := range config.Engines {
		config.Engines[id].ByteSwap = config.ByteSwap
	}

	return config
}

func (c Config) validate() error {
	switch {
	case c.MaxDrainIterations <= 0:
		return gainErrors.ErrorInvalidConfig("max drain iterations %d", c.MaxDrainIterations)
	case c.CompletionBatch <= 0:
		return gainErrors.ErrorInvalidConfig("completion batch %d", c.CompletionBatch)
	case c.Bundling && c.MaxBundleCredits < 2:
		return gainErrors.ErrorInvalidConfig("bundles need at least 2 credits, got %d", c.MaxBundleCredits)
	case c.TxQueueDepth <= 0:
		return gainErrors.ErrorInvalidConfig("tx queue depth %d", c.TxQueueDepth)
	case c.PollInterval <= 0:
		return gainErrors.ErrorInvalidConfig("poll interval %s", c.PollInterval)
	case c.GoroutinePool && c.GoroutinePoolSize <= 0:
		return gainErrors.ErrorInvalidConfig("goroutine pool size %d", c.GoroutinePoolSize)
	}

	for _, service := range []wire.ServiceID{wire.ServiceControl, wire.ServiceWMIControl, wire.ServiceHTTData} {
		ul, dl, _ := wire.ServicePipes(service)
		if !c.Engines[ul].HasSource() || !c.Engines[dl].HasDestination() {
			return gainErrors.ErrorInvalidConfig("engines %d/%d do not carry %s", ul, dl, service)
		}
	}

	return nil
}
