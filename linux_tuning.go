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
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const dispatcherNice = -19

// setProcessPriority raises the scheduling priority of the whole process so
// the interrupt dispatcher is not starved by callback work.
func setProcessPriority() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, os.Getpid(), dispatcherNice); err != nil {
		return fmt.Errorf("setpriority %d: %w", dispatcherNice, err)
	}

	return nil
}

// setAffinity pins the calling thread to cpu, wrapped around the number of
// available CPUs. The caller must hold runtime.LockOSThread.
func setAffinity(cpu int) error {
	var mask unix.CPUSet

	mask.Zero()
	mask.Set(cpu % runtime.NumCPU())

	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("SchedSetaffinity: %w, cpu: %d", err, cpu)
	}

	return nil
}
