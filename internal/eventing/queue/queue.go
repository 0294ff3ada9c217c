// Copyright 2025 The Konnektr Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the bounded FIFO that connects the event
// sources to the router.
package queue

import (
	"context"
	"sync"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 10_000

// Queue is a bounded, MPSC-safe FIFO of EventData. Producers block
// while the queue is at capacity; events are never silently dropped.
type Queue struct {
	mu struct {
		sync.Mutex
		notFull  *sync.Cond
		data     []*types.EventData
		enqueued uint64
	}
	capacity int
}

var _ types.EventQueue = (*Queue)(nil)

// New constructs a Queue with the given capacity. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	q.mu.notFull = sync.NewCond(&q.mu.Mutex)
	return q
}

// Enqueue implements types.EventQueue. It blocks while the queue is at
// capacity, applying backpressure to the producer, and returns early
// if the context is canceled.
func (q *Queue) Enqueue(ctx context.Context, e *types.EventData) error {
	// Wake the waiter below when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.mu.notFull.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.mu.data) >= q.capacity {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.notFull.Wait()
	}
	q.mu.data = append(q.mu.data, e)
	q.mu.enqueued++
	queueDepth.Set(float64(len(q.mu.data)))
	queueEnqueuedCount.Inc()
	return nil
}

// TryDequeue implements types.EventQueue.
func (q *Queue) TryDequeue() (*types.EventData, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.mu.data) == 0 {
		return nil, false
	}
	head := q.mu.data[0]
	q.mu.data = q.mu.data[1:]
	q.mu.notFull.Broadcast()
	queueDepth.Set(float64(len(q.mu.data)))
	return head, true
}

// DequeueBatch implements types.EventQueue. It returns up to max
// events without waiting.
func (q *Queue) DequeueBatch(max int) []*types.EventData {
	if max <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.mu.data)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := make([]*types.EventData, n)
	copy(batch, q.mu.data[:n])
	q.mu.data = q.mu.data[n:]
	q.mu.notFull.Broadcast()
	queueDepth.Set(float64(len(q.mu.data)))
	return batch
}

// Len implements types.EventQueue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mu.data)
}

// TotalEnqueued implements types.EventQueue.
func (q *Queue) TotalEnqueued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mu.enqueued
}
