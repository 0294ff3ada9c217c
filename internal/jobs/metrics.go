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

package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobLabels = []string{"job_type"}

	startedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_started_total",
		Help: "the number of job runs started, including resumptions",
	}, jobLabels)
	finishedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_finished_total",
		Help: "the number of jobs reaching a terminal status",
	}, []string{"job_type", "status"})
	resumedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_resumed_total",
		Help: "the number of orphaned jobs picked up for resumption",
	}, jobLabels)
	expiredLeaseCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_expired_leases_total",
		Help: "the number of job leases released after their holder went silent",
	})
	purgedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_purged_total",
		Help: "the number of finished jobs deleted after their retention window",
	})
	importLineCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_import_lines_total",
		Help: "the number of import data lines processed",
	}, []string{"section"})
	deleteElementCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_delete_elements_total",
		Help: "the number of graph elements removed by delete jobs",
	}, []string{"phase"})
)
