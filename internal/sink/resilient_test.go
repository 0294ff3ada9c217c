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

package sink

import (
	"context"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/sinktest"
)

func testEvents(t *testing.T, count int) []event.Event {
	t.Helper()
	ret := make([]event.Event, count)
	for i := range ret {
		e := cloudevents.NewEvent()
		e.SetID(uuid.NewString())
		e.SetSource("postgresql://test")
		e.SetType("Konnektr.DigitalTwins.Twin.Create")
		e.SetSubject("twin-1")
		e.SetTime(time.Now())
		require.NoError(t, e.SetData(cloudevents.ApplicationJSON,
			map[string]any{"$dtId": "twin-1"}))
		ret[i] = e
	}
	return ret
}

// testPolicy keeps the backoff schedule short enough for tests while
// preserving the doubling shape.
func testPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		MaxPending:   100,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSendSuccess(t *testing.T) {
	ctx := context.Background()
	capture := &CaptureOrFail{}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, capture.Sink(), dlq, testPolicy())
	defer func() { _ = r.Close() }()

	events := testEvents(t, 3)
	require.NoError(t, r.SendBatch(ctx, events))
	assert.Equal(t, 1, capture.Capture.Attempts())
	assert.Len(t, capture.Capture.Events(), 3)
	assert.Zero(t, r.QueuedEventCount())
	assert.Empty(t, dlq.Rows())
}

func TestRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	capture := &CaptureOrFail{FailUntil: 3}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, capture.Sink(), dlq, testPolicy())
	defer func() { _ = r.Close() }()

	require.NoError(t, r.SendBatch(ctx, testEvents(t, 2)))
	waitFor(t, func() bool { return len(capture.Capture.Events()) == 2 })

	// Initial attempt and first retry fail; the second retry lands.
	assert.Equal(t, 3, capture.Capture.Attempts())
	waitFor(t, func() bool { return r.QueuedEventCount() == 0 })
	assert.Empty(t, dlq.Rows())
}

// A sink that always fails must hand the whole batch to the DLQ with
// the full attempt count after the backoff schedule runs out.
func TestExhaustionToDLQ(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	capture := &CaptureOrFail{FailUntil: -1, Err: boom}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, capture.Sink(), dlq, testPolicy())
	defer func() { _ = r.Close() }()

	events := testEvents(t, 3)
	require.NoError(t, r.SendBatch(ctx, events))

	waitFor(t, func() bool { return len(dlq.Rows()) == 3 })
	waitFor(t, func() bool { return r.QueuedEventCount() == 0 })

	// 1 initial attempt + 3 retries.
	assert.Equal(t, 4, capture.Capture.Attempts())

	rows := dlq.Rows()
	wantIDs := make(map[string]bool, len(events))
	for i := range events {
		wantIDs[events[i].ID()] = true
	}
	for _, row := range rows {
		assert.True(t, wantIDs[row.Event.ID()], "unexpected event id %s", row.Event.ID())
		assert.Equal(t, capture.Capture.Name(), row.SinkName)
		assert.Equal(t, 3, row.Attempts)
		assert.ErrorIs(t, row.Cause, boom)
	}
	assert.Empty(t, capture.Capture.Events())
}

func TestBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	var stamps []time.Time
	capture := &sinktest.CaptureSink{
		Fail: func(int, []event.Event) error {
			stamps = append(stamps, time.Now())
			return errors.New("down")
		},
	}
	dlq := &sinktest.MemoryDLQ{}
	policy := testPolicy()
	r := NewResilientPolicy(ctx, capture, dlq, policy)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.SendBatch(ctx, testEvents(t, 1)))
	waitFor(t, func() bool { return len(dlq.Rows()) == 1 })

	require.Len(t, stamps, 4)
	// The k-th retry waits at least initialDelay * 2^(k-1).
	for k := 1; k < len(stamps); k++ {
		min := policy.InitialDelay << (k - 1)
		assert.GreaterOrEqual(t, stamps[k].Sub(stamps[k-1]), min,
			"retry %d fired too early", k)
	}
}

func TestPendingOverflowSpillsToDLQ(t *testing.T) {
	ctx := context.Background()
	capture := &sinktest.CaptureSink{
		Fail: func(int, []event.Event) error { return errors.New("down") },
	}
	dlq := &sinktest.MemoryDLQ{}
	policy := testPolicy()
	policy.MaxPending = 2
	policy.InitialDelay = time.Hour // Park the first batch in the retry queue.
	r := NewResilientPolicy(ctx, capture, dlq, policy)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.SendBatch(ctx, testEvents(t, 2)))
	waitFor(t, func() bool { return r.QueuedEventCount() == 2 })

	// The next failed batch has no room left and goes straight to the
	// DLQ without consuming retries.
	require.NoError(t, r.SendBatch(ctx, testEvents(t, 2)))
	waitFor(t, func() bool { return len(dlq.Rows()) == 2 })
	for _, row := range dlq.Rows() {
		assert.Zero(t, row.Attempts)
	}
	assert.Equal(t, 2, r.QueuedEventCount())
}

func TestCloseDrainsToDLQ(t *testing.T) {
	ctx := context.Background()
	capture := &sinktest.CaptureSink{
		Fail: func(int, []event.Event) error { return errors.New("down") },
	}
	dlq := &sinktest.MemoryDLQ{}
	policy := testPolicy()
	policy.InitialDelay = time.Hour
	r := NewResilientPolicy(ctx, capture, dlq, policy)

	require.NoError(t, r.SendBatch(ctx, testEvents(t, 2)))
	waitFor(t, func() bool { return r.QueuedEventCount() == 2 })

	require.NoError(t, r.Close())
	assert.Len(t, dlq.Rows(), 2)
}

// The synchronous path must surface delegate failures instead of
// accepting the batch for retry; the dead-letter sweep depends on the
// real outcome to decide a row's fate.
func TestSendBatchSyncReportsDelegateFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	capture := &CaptureOrFail{FailUntil: -1, Err: boom}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, capture.Sink(), dlq, testPolicy())
	defer func() { _ = r.Close() }()

	err := r.SendBatchSync(ctx, testEvents(t, 2))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.QueuedEventCount())
	assert.Empty(t, dlq.Rows())
}

func TestSendBatchSyncDelivers(t *testing.T) {
	ctx := context.Background()
	capture := &sinktest.CaptureSink{}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, capture, dlq, testPolicy())
	defer func() { _ = r.Close() }()

	require.NoError(t, r.SendBatchSync(ctx, testEvents(t, 3)))
	assert.Len(t, capture.Events(), 3)
	assert.Zero(t, r.QueuedEventCount())
}

func TestChaosEventuallyDelivers(t *testing.T) {
	ctx := context.Background()
	capture := &sinktest.CaptureSink{}
	dlq := &sinktest.MemoryDLQ{}
	r := NewResilientPolicy(ctx, WithChaos(capture, 0.5), dlq, testPolicy())
	defer func() { _ = r.Close() }()

	for i := 0; i < 10; i++ {
		require.NoError(t, r.SendBatch(ctx, testEvents(t, 1)))
	}
	waitFor(t, func() bool {
		return len(capture.Events())+len(dlq.Rows()) == 10
	})
}

// CaptureOrFail wraps a CaptureSink with attempt-counted failures:
// attempts before FailUntil are rejected (every attempt, when
// FailUntil is negative).
type CaptureOrFail struct {
	Capture   sinktest.CaptureSink
	FailUntil int
	Err       error
}

func (c *CaptureOrFail) Sink() *sinktest.CaptureSink {
	c.Capture.Fail = func(attempt int, _ []event.Event) error {
		if c.FailUntil < 0 || attempt < c.FailUntil {
			if c.Err != nil {
				return c.Err
			}
			return errors.New("injected failure")
		}
		return nil
	}
	return &c.Capture
}
