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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Policy tunes the retry behavior of the resilient wrapper.
type Policy struct {
	// MaxRetries is the number of redelivery attempts after the
	// initial send fails.
	MaxRetries int
	// InitialDelay is the wait before the first retry; each
	// subsequent wait doubles, capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxPending bounds the number of events waiting for a retry.
	// Batches that would exceed the bound go straight to the DLQ.
	MaxPending int
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxPending:   10_000,
	}
}

// pendingBatch is a failed batch awaiting redelivery.
type pendingBatch struct {
	events  []event.Event
	retries int
	cause   error
}

// Resilient interposes on a delegate sink's SendBatch. Failed batches
// are retried asynchronously with exponential backoff; once the retry
// budget is exhausted every event in the batch is persisted to the
// dead-letter queue. New sends are never blocked on the retry queue.
type Resilient struct {
	delegate types.Sink
	dlq      types.DeadLetterQueue
	policy   Policy

	queued  atomic.Int64
	retryCh chan *pendingBatch
	stop    chan struct{}
	wg      sync.WaitGroup

	metrics struct {
		sent, errors, retries, deadLettered prometheus.Counter
		duration                            prometheus.Observer
		depth                               prometheus.Gauge
	}
}

var _ types.Sink = (*Resilient)(nil)

// NewResilient wraps the delegate with the default retry policy.
func NewResilient(
	ctx context.Context, delegate types.Sink, dlq types.DeadLetterQueue,
) *Resilient {
	return NewResilientPolicy(ctx, delegate, dlq, DefaultPolicy())
}

// NewResilientPolicy wraps the delegate with an explicit retry policy.
func NewResilientPolicy(
	ctx context.Context, delegate types.Sink, dlq types.DeadLetterQueue,
	policy Policy,
) *Resilient {
	r := &Resilient{
		delegate: delegate,
		dlq:      dlq,
		policy:   policy,
		retryCh:  make(chan *pendingBatch, 256),
		stop:     make(chan struct{}),
	}
	labels := prometheus.Labels{"sink": delegate.Name()}
	r.metrics.sent = sendCount.With(labels)
	r.metrics.errors = sendErrors.With(labels)
	r.metrics.retries = retryCount.With(labels)
	r.metrics.deadLettered = dlqCount.With(labels)
	r.metrics.duration = sendDurations.With(labels)
	r.metrics.depth = retryQueueDepth.With(labels)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.retryLoop(ctx)
	}()
	return r
}

// Name returns the delegate's name.
func (r *Resilient) Name() string { return r.delegate.Name() }

// IsHealthy reports the delegate's health.
func (r *Resilient) IsHealthy() bool { return r.delegate.IsHealthy() }

// QueuedEventCount returns the number of events awaiting redelivery.
func (r *Resilient) QueuedEventCount() int {
	return int(r.queued.Load())
}

// SendBatch attempts one synchronous delivery. On failure the batch is
// handed to the retry loop and the call returns nil; the events are
// now owned by the wrapper and will either be delivered or
// dead-lettered.
func (r *Resilient) SendBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	err := r.delegate.SendBatch(ctx, events)
	if err == nil {
		r.metrics.sent.Add(float64(len(events)))
		r.metrics.duration.Observe(time.Since(start).Seconds())
		return nil
	}
	r.metrics.errors.Inc()
	log.WithError(err).WithFields(log.Fields{
		"sink":   r.delegate.Name(),
		"events": len(events),
	}).Warn("send failed; scheduling retry")
	r.schedule(ctx, &pendingBatch{events: events, cause: err})
	return nil
}

// SendBatchSync delivers through the delegate and reports the real
// outcome, bypassing the retry queue entirely. The dead-letter sweep
// uses this to confirm a replay before marking its row.
func (r *Resilient) SendBatchSync(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	if err := r.delegate.SendBatch(ctx, events); err != nil {
		r.metrics.errors.Inc()
		return err
	}
	r.metrics.sent.Add(float64(len(events)))
	r.metrics.duration.Observe(time.Since(start).Seconds())
	return nil
}

// schedule queues a failed batch for redelivery, spilling to the DLQ
// when the retry queue is at capacity.
func (r *Resilient) schedule(ctx context.Context, batch *pendingBatch) {
	if int(r.queued.Load())+len(batch.events) > r.policy.MaxPending {
		r.deadLetter(ctx, batch)
		return
	}
	r.queued.Add(int64(len(batch.events)))
	r.metrics.depth.Set(float64(r.queued.Load()))
	select {
	case r.retryCh <- batch:
	default:
		// Channel full; don't block the sender.
		r.queued.Add(-int64(len(batch.events)))
		r.metrics.depth.Set(float64(r.queued.Load()))
		r.deadLetter(ctx, batch)
	}
}

// retryLoop redelivers pending batches one at a time.
func (r *Resilient) retryLoop(ctx context.Context) {
	for {
		select {
		case batch := <-r.retryCh:
			r.redeliver(ctx, batch)
		case <-ctx.Done():
			r.drain(context.Background())
			return
		case <-r.stop:
			r.drain(ctx)
			return
		}
	}
}

// redeliver runs the backoff schedule for one batch.
func (r *Resilient) redeliver(ctx context.Context, batch *pendingBatch) {
	defer func() {
		r.queued.Add(-int64(len(batch.events)))
		r.metrics.depth.Set(float64(r.queued.Load()))
	}()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.policy.MaxDelay,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	for batch.retries < r.policy.MaxRetries {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.deadLetter(context.Background(), batch)
			return
		case <-r.stop:
			timer.Stop()
			r.deadLetter(ctx, batch)
			return
		}

		batch.retries++
		r.metrics.retries.Inc()
		err := r.delegate.SendBatch(ctx, batch.events)
		if err == nil {
			r.metrics.sent.Add(float64(len(batch.events)))
			log.WithFields(log.Fields{
				"sink":    r.delegate.Name(),
				"events":  len(batch.events),
				"retries": batch.retries,
			}).Info("retry succeeded")
			return
		}
		batch.cause = err
		log.WithError(err).WithFields(log.Fields{
			"sink":    r.delegate.Name(),
			"retries": batch.retries,
		}).Warn("retry failed")
	}
	r.deadLetter(ctx, batch)
}

// deadLetter persists every event of the batch.
func (r *Resilient) deadLetter(ctx context.Context, batch *pendingBatch) {
	cause := batch.cause
	if cause == nil {
		cause = errors.New("send aborted")
	}
	for i := range batch.events {
		if err := r.dlq.Persist(
			ctx, &batch.events[i], r.delegate.Name(), cause, batch.retries,
		); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"sink":  r.delegate.Name(),
				"event": batch.events[i].ID(),
			}).Error("could not persist dead-lettered event")
			continue
		}
		r.metrics.deadLettered.Inc()
	}
}

// drain dead-letters everything still pending.
func (r *Resilient) drain(ctx context.Context) {
	for {
		select {
		case batch := <-r.retryCh:
			r.deadLetter(ctx, batch)
			r.queued.Add(-int64(len(batch.events)))
		default:
			r.metrics.depth.Set(float64(r.queued.Load()))
			return
		}
	}
}

// Close stops the retry loop, dead-letters any batches still waiting,
// and closes the delegate.
func (r *Resilient) Close() error {
	close(r.stop)
	r.wg.Wait()
	return r.delegate.Close()
}
