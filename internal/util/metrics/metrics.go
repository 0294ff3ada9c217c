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

// Package metrics contains some helpers for common metrics patterns.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LatencyBuckets is a default collection of histogram buckets for
	// latency-style measurements, from one millisecond to one minute.
	LatencyBuckets = prometheus.ExponentialBucketsRange(0.001, 60, 16)

	// BatchSizeBuckets is a default collection of histogram buckets
	// for batch-size measurements.
	BatchSizeBuckets = prometheus.ExponentialBuckets(1, 2, 10)
)

// SinkLabels are the labels to use for sink-specific metrics.
var SinkLabels = []string{"sink"}

// GraphLabels are the labels to use for graph-scoped metrics.
var GraphLabels = []string{"graph"}
