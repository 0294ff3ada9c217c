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

package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/metrics"
)

var (
	messageCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_messages_total",
		Help: "the number of logical replication messages decoded",
	})
	transactionCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_transactions_total",
		Help: "the number of committed transactions processed",
	})
	eventCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_events_total",
		Help: "the number of entity events reconstructed from the stream",
	}, metrics.GraphLabels)
	droppedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_dropped_events_total",
		Help: "the number of events dropped for failing validation",
	})
)
