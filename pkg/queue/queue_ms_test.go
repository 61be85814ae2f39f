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

package queue

import (
	"sync"
	"testing"

	. "github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue[int]()
	True(t, q.IsEmpty())

	_, ok := q.Dequeue()
	False(t, ok)

	for i := 0; i < 10; i++ {
		q.Enqueue(i)
	}
	Equal(t, int32(10), q.Size())

	for i := 0; i < 10; i++ {
		value, ok := q.Dequeue()
		True(t, ok)
		Equal(t, i, value)
	}
	True(t, q.IsEmpty())
}

func TestQueueConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWorker = 1000
	)

	q := NewQueue[int]()

	var wg sync.WaitGroup

	for producer := 0; producer < producers; producer++ {
		wg.Add(1)

		go func(producer int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				q.Enqueue(producer*perWorker + i)
			}
		}(producer)
	}
	wg.Wait()

	Equal(t, int32(producers*perWorker), q.Size())

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	for {
		value, ok := q.Dequeue()
		if !ok {
			break
		}

		producer, seq := value/perWorker, value%perWorker
		Greater(t, seq, last[producer])
		last[producer] = seq
	}

	for _, seq := range last {
		Equal(t, perWorker-1, seq)
	}
}
