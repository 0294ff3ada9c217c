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

// Package router drains the event queue in batches, transforms each
// event once per matching route, and fans the resulting CloudEvents
// out to their sinks.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/format"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Defaults for the drain loop.
const (
	DefaultBatchSize = 50
	DefaultIdleWait  = 100 * time.Millisecond
)

// Route binds an output format (with its resolved type overrides) to
// a named sink.
type Route struct {
	SinkName string
	Format   format.Format
	Types    format.TypeMap
}

// Lookup resolves sink names. *sink.Registry satisfies this.
type Lookup interface {
	Get(name string) (types.Sink, bool)
}

// Router is the single consumer of the event queue.
type Router struct {
	queue     types.EventQueue
	factory   *format.Factory
	sinks     Lookup
	routes    []Route
	batchSize int
	idleWait  time.Duration
}

// Option tunes a Router.
type Option func(*Router)

// WithBatchSize overrides the drain batch size.
func WithBatchSize(n int) Option {
	return func(r *Router) { r.batchSize = n }
}

// WithIdleWait overrides the sleep between passes over an empty
// queue.
func WithIdleWait(d time.Duration) Option {
	return func(r *Router) { r.idleWait = d }
}

// New constructs a Router.
func New(
	queue types.EventQueue, factory *format.Factory, sinks Lookup,
	routes []Route, opts ...Option,
) *Router {
	r := &Router{
		queue:     queue,
		factory:   factory,
		sinks:     sinks,
		routes:    routes,
		batchSize: DefaultBatchSize,
		idleWait:  DefaultIdleWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the queue until the context is canceled. The batch in
// hand when cancellation arrives is still dispatched, so the queue
// never re-sees an event the router accepted.
func (r *Router) Run(ctx context.Context) error {
	log.WithField("routes", len(r.routes)).Info("router started")
	for {
		batch := r.queue.DequeueBatch(r.batchSize)
		if len(batch) > 0 {
			batchSizes.Observe(float64(len(batch)))
			r.dispatch(ctx, batch)
		}
		select {
		case <-ctx.Done():
			// One final drain so events accepted before cancellation
			// are not stranded in the queue.
			if tail := r.queue.DequeueBatch(r.batchSize); len(tail) > 0 {
				r.dispatch(context.Background(), tail)
			}
			log.Info("router stopped")
			return nil
		default:
		}
		if len(batch) == 0 {
			select {
			case <-time.After(r.idleWait):
			case <-ctx.Done():
			}
		}
	}
}

// dispatch transforms one queue batch and sends the per-sink buffers
// concurrently. A failure at one sink never affects another; the
// resilient wrapper owns redelivery.
func (r *Router) dispatch(ctx context.Context, batch []*types.EventData) {
	buffers := make(map[string][]event.Event)
	order := make([]string, 0, len(r.routes))

	for _, e := range batch {
		for i := range r.routes {
			route := &r.routes[i]
			if !applies(route.Format, e.EventType) {
				continue
			}
			if _, ok := r.sinks.Get(route.SinkName); !ok {
				unknownSinkCount.Inc()
				log.WithField("sink", route.SinkName).Warn("route references unknown sink")
				continue
			}
			out, err := r.factory.Transform(e, route.Format, route.Types)
			if err != nil {
				transformErrors.Inc()
				log.WithError(err).WithFields(log.Fields{
					"sink":   route.SinkName,
					"entity": e.Id,
					"format": route.Format,
				}).Warn("could not transform event; skipping route")
				continue
			}
			if _, ok := buffers[route.SinkName]; !ok {
				order = append(order, route.SinkName)
			}
			buffers[route.SinkName] = append(buffers[route.SinkName], out...)
		}
	}

	var wg sync.WaitGroup
	for _, name := range order {
		sink, _ := r.sinks.Get(name)
		events := buffers[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for len(events) > 0 {
				n := len(events)
				if n > r.batchSize {
					n = r.batchSize
				}
				if err := sink.SendBatch(ctx, events[:n]); err != nil {
					log.WithError(err).WithFields(log.Fields{
						"sink":   sink.Name(),
						"events": n,
					}).Error("could not deliver batch")
					return
				}
				dispatchedCount.WithLabelValues(sink.Name()).Add(float64(n))
				events = events[n:]
			}
		}()
	}
	wg.Wait()
}

// applies reports whether a route format can express an event type.
// Telemetry routes only see telemetry events; graph formats never do.
func applies(f format.Format, t types.EventType) bool {
	if f == format.Telemetry {
		return t == types.Telemetry
	}
	return t != types.Telemetry
}
