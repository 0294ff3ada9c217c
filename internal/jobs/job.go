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

// Package jobs runs resumable bulk operations against the twin store
// under a database-backed distributed lease.
package jobs

import (
	"encoding/json"
	"time"
)

// Type discriminates the job engines.
type Type string

// The supported job types.
const (
	TypeImport Type = "import"
	TypeDelete Type = "delete"
)

// Status is the job lifecycle state.
type Status string

// The job statuses. Terminal states are Cancelled, Succeeded,
// PartiallySucceeded, and Failed.
const (
	StatusNotStarted         Status = "notStarted"
	StatusRunning            Status = "running"
	StatusCancelling         Status = "cancelling"
	StatusCancelled          Status = "cancelled"
	StatusSucceeded          Status = "succeeded"
	StatusPartiallySucceeded Status = "partiallySucceeded"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusSucceeded, StatusPartiallySucceeded, StatusFailed:
		return true
	}
	return false
}

// Record is one row of the jobs table.
type Record struct {
	ID         string
	JobType    Type
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
	PurgeAt    *time.Time

	Request    json.RawMessage
	Result     json.RawMessage
	Error      json.RawMessage
	Checkpoint json.RawMessage

	LockAcquiredAt    *time.Time
	LockAcquiredBy    string
	LockLeaseDuration time.Duration
	LockHeartbeatAt   *time.Time
}

// Section names the parts of an import stream, in file order.
type Section string

// The import sections.
const (
	SectionNone          Section = "None"
	SectionHeader        Section = "Header"
	SectionModels        Section = "Models"
	SectionTwins         Section = "Twins"
	SectionRelationships Section = "Relationships"
)

// ImportCheckpoint records import progress. LineNumber is 1-based and
// names the last fully processed line.
type ImportCheckpoint struct {
	JobID                  string            `json:"jobId"`
	CurrentSection         Section           `json:"currentSection"`
	LineNumber             int               `json:"lineNumber"`
	ModelsProcessed        int               `json:"modelsProcessed"`
	TwinsProcessed         int               `json:"twinsProcessed"`
	RelationshipsProcessed int               `json:"relationshipsProcessed"`
	ErrorCount             int               `json:"errorCount"`
	PendingModels          []json.RawMessage `json:"pendingModels,omitempty"`
	ModelsCompleted        bool              `json:"modelsCompleted"`
	TwinsCompleted         bool              `json:"twinsCompleted"`
	RelationshipsCompleted bool              `json:"relationshipsCompleted"`
}

// DeleteCheckpoint records delete progress across its three phases.
type DeleteCheckpoint struct {
	JobID                  string `json:"jobId"`
	RelationshipsCompleted bool   `json:"relationshipsCompleted"`
	TwinsCompleted         bool   `json:"twinsCompleted"`
	ModelsCompleted        bool   `json:"modelsCompleted"`
	RelationshipsDeleted   int    `json:"relationshipsDeleted"`
	TwinsDeleted           int    `json:"twinsDeleted"`
	ModelsDeleted          int    `json:"modelsDeleted"`
	ErrorCount             int    `json:"errorCount"`
}

// ImportResult is written to the result column of an import job.
type ImportResult struct {
	ModelsCreated        int `json:"modelsCreated"`
	TwinsCreated         int `json:"twinsCreated"`
	RelationshipsCreated int `json:"relationshipsCreated"`
	ErrorCount           int `json:"errorCount"`
}

// DeleteResult is written to the result column of a delete job.
type DeleteResult struct {
	RelationshipsDeleted int `json:"relationshipsDeleted"`
	TwinsDeleted         int `json:"twinsDeleted"`
	ModelsDeleted        int `json:"modelsDeleted"`
	ErrorCount           int `json:"errorCount"`
}
