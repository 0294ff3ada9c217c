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

package dlq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	persistedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlq_persisted_events_total",
		Help: "the number of events written to the dead-letter table",
	})
	retriedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlq_replayed_events_total",
		Help: "the number of dead-lettered events successfully replayed",
	})
)
