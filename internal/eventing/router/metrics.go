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

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/metrics"
)

var (
	batchSizes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_batch_size",
		Help:    "the number of queue events drained per router pass",
		Buckets: metrics.BatchSizeBuckets,
	})
	dispatchedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_dispatched_events_total",
		Help: "the number of CloudEvents handed to each sink",
	}, metrics.SinkLabels)
	transformErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_transform_errors_total",
		Help: "the number of events that could not be transformed for a route",
	})
	unknownSinkCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_unknown_sink_total",
		Help: "the number of route matches that referenced an unregistered sink",
	})
)
