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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/metrics"
)

var (
	sendCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_send_events_total",
		Help: "the number of events successfully delivered to this sink",
	}, metrics.SinkLabels)
	sendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_send_errors_total",
		Help: "the number of times a batch send to this sink failed",
	}, metrics.SinkLabels)
	sendDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sink_send_duration_seconds",
		Help:    "the length of time it took to successfully send a batch",
		Buckets: metrics.LatencyBuckets,
	}, metrics.SinkLabels)
	retryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_retry_attempts_total",
		Help: "the number of retry attempts made for failed batches",
	}, metrics.SinkLabels)
	dlqCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_dead_letter_events_total",
		Help: "the number of events persisted to the dead-letter queue",
	}, metrics.SinkLabels)
	retryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sink_retry_queue_events",
		Help: "the number of events waiting for their next retry",
	}, metrics.SinkLabels)
)
