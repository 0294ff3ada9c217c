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

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

func testEvent(id string) *types.EventData {
	return &types.EventData{
		Id:        id,
		GraphName: "g",
		TableName: "Twin",
		EventType: types.TwinCreate,
		NewValue:  map[string]any{"$dtId": id},
		Timestamp: time.Now(),
	}
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := New(16)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, testEvent(fmt.Sprintf("twin-%d", i))))
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, uint64(10), q.TotalEnqueued())

	for i := 0; i < 10; i++ {
		head, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("twin-%d", i), head.Id)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
	// The lifetime counter does not decrease on dequeue.
	assert.Equal(t, uint64(10), q.TotalEnqueued())
}

func TestDequeueBatch(t *testing.T) {
	ctx := context.Background()
	q := New(64)

	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, testEvent(fmt.Sprintf("t%d", i))))
	}

	batch := q.DequeueBatch(5)
	require.Len(t, batch, 5)
	assert.Equal(t, "t0", batch[0].Id)
	assert.Equal(t, "t4", batch[4].Id)

	batch = q.DequeueBatch(5)
	require.Len(t, batch, 2)
	assert.Equal(t, "t5", batch[0].Id)

	assert.Nil(t, q.DequeueBatch(5))
	assert.Nil(t, q.DequeueBatch(0))
}

func TestBackpressure(t *testing.T) {
	ctx := context.Background()
	q := New(2)

	require.NoError(t, q.Enqueue(ctx, testEvent("a")))
	require.NoError(t, q.Enqueue(ctx, testEvent("b")))

	released := make(chan error, 1)
	go func() {
		released <- q.Enqueue(ctx, testEvent("c"))
	}()

	select {
	case <-released:
		t.Fatal("enqueue did not block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.TryDequeue()
	require.True(t, ok)

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after dequeue")
	}
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueCanceled(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(context.Background(), testEvent("a")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, testEvent("b"))
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue did not observe cancellation")
	}
}

func TestConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	q := New(8)

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue(ctx, testEvent(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	seen := 0
	deadline := time.After(10 * time.Second)
	for seen < producers*perProducer {
		batch := q.DequeueBatch(50)
		if len(batch) == 0 {
			select {
			case <-deadline:
				t.Fatalf("only drained %d events", seen)
			case <-time.After(time.Millisecond):
			}
			continue
		}
		seen += len(batch)
	}
	wg.Wait()

	assert.Equal(t, uint64(producers*perProducer), q.TotalEnqueued())
	assert.Equal(t, 0, q.Len())
}
