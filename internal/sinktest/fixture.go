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

// Package sinktest provides in-memory fakes for the delivery and
// storage contracts, for use in package tests.
package sinktest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/pkg/errors"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// CaptureSink records every delivered batch. An optional Fail hook
// lets tests reject sends.
type CaptureSink struct {
	SinkName string

	// Fail, when set, is consulted before accepting a batch. Returning
	// a non-nil error rejects the send.
	Fail func(attempt int, events []event.Event) error

	mu struct {
		sync.Mutex
		attempts int
		batches  [][]event.Event
		closed   bool
	}
}

var _ types.Sink = (*CaptureSink)(nil)

// Name implements types.Sink.
func (s *CaptureSink) Name() string {
	if s.SinkName == "" {
		return "capture"
	}
	return s.SinkName
}

// IsHealthy implements types.Sink.
func (s *CaptureSink) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.mu.closed
}

// SendBatch implements types.Sink.
func (s *CaptureSink) SendBatch(_ context.Context, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.attempts++
	if s.Fail != nil {
		if err := s.Fail(s.mu.attempts, events); err != nil {
			return err
		}
	}
	batch := make([]event.Event, len(events))
	copy(batch, events)
	s.mu.batches = append(s.mu.batches, batch)
	return nil
}

// Close implements types.Sink.
func (s *CaptureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.closed = true
	return nil
}

// Attempts returns the number of SendBatch calls, including rejected
// ones.
func (s *CaptureSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.attempts
}

// Batches returns the accepted batches.
func (s *CaptureSink) Batches() [][]event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([][]event.Event, len(s.mu.batches))
	copy(ret, s.mu.batches)
	return ret
}

// Events flattens the accepted batches.
func (s *CaptureSink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []event.Event
	for _, b := range s.mu.batches {
		ret = append(ret, b...)
	}
	return ret
}

// DeadLetter is one captured DLQ row.
type DeadLetter struct {
	Event    event.Event
	SinkName string
	Cause    error
	Attempts int
}

// MemoryDLQ collects dead-lettered events in memory.
type MemoryDLQ struct {
	mu struct {
		sync.Mutex
		rows []DeadLetter
	}
}

var _ types.DeadLetterQueue = (*MemoryDLQ)(nil)

// Persist implements types.DeadLetterQueue.
func (q *MemoryDLQ) Persist(
	_ context.Context, ev *event.Event, sinkName string, cause error, attempts int,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mu.rows = append(q.mu.rows, DeadLetter{
		Event:    ev.Clone(),
		SinkName: sinkName,
		Cause:    cause,
		Attempts: attempts,
	})
	return nil
}

// Rows returns the captured rows.
func (q *MemoryDLQ) Rows() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]DeadLetter, len(q.mu.rows))
	copy(ret, q.mu.rows)
	return ret
}

// MemoryTwinStore is a map-backed TwinStore. Tests can toggle Broken
// to simulate a lost connection; Reconnect repairs it once.
type MemoryTwinStore struct {
	mu struct {
		sync.Mutex
		broken        bool
		models        map[string]json.RawMessage
		twins         map[string]json.RawMessage
		relationships map[string]json.RawMessage
	}
}

var _ types.TwinStore = (*MemoryTwinStore)(nil)

// NewMemoryTwinStore constructs an empty store.
func NewMemoryTwinStore() *MemoryTwinStore {
	s := &MemoryTwinStore{}
	s.mu.models = make(map[string]json.RawMessage)
	s.mu.twins = make(map[string]json.RawMessage)
	s.mu.relationships = make(map[string]json.RawMessage)
	return s
}

// Break simulates a dropped connection.
func (s *MemoryTwinStore) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.broken = true
}

// Ready implements types.TwinStore.
func (s *MemoryTwinStore) Ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.broken {
		return errors.New("store connection is closed")
	}
	return nil
}

// Reconnect implements types.TwinStore.
func (s *MemoryTwinStore) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.broken = false
	return nil
}

func (s *MemoryTwinStore) put(
	docs []json.RawMessage, idField string, into func() map[string]json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.broken {
		return errors.New("store connection is closed")
	}
	for _, doc := range docs {
		var m map[string]any
		if err := json.Unmarshal(doc, &m); err != nil {
			return errors.Wrap(err, "malformed document")
		}
		id, _ := m[idField].(string)
		if id == "" {
			return errors.Errorf("document missing %s", idField)
		}
		into()[id] = doc
	}
	return nil
}

// CreateModels implements types.TwinStore.
func (s *MemoryTwinStore) CreateModels(_ context.Context, models []json.RawMessage) error {
	return s.put(models, "@id", func() map[string]json.RawMessage { return s.mu.models })
}

// CreateOrReplaceTwins implements types.TwinStore.
func (s *MemoryTwinStore) CreateOrReplaceTwins(_ context.Context, twins []json.RawMessage) error {
	return s.put(twins, "$dtId", func() map[string]json.RawMessage { return s.mu.twins })
}

// CreateOrReplaceRelationships implements types.TwinStore.
func (s *MemoryTwinStore) CreateOrReplaceRelationships(
	_ context.Context, rels []json.RawMessage,
) error {
	return s.put(rels, "$relationshipId",
		func() map[string]json.RawMessage { return s.mu.relationships })
}

func (s *MemoryTwinStore) list(m map[string]json.RawMessage, limit int) []string {
	ids := make([]string, 0, limit)
	for id := range m {
		if len(ids) == limit {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryTwinStore) remove(m map[string]json.RawMessage, id string) error {
	if s.mu.broken {
		return errors.New("store connection is closed")
	}
	if _, ok := m[id]; !ok {
		return types.ErrAlreadyDeleted
	}
	delete(m, id)
	return nil
}

// ListRelationshipIds implements types.TwinStore.
func (s *MemoryTwinStore) ListRelationshipIds(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.broken {
		return nil, errors.New("store connection is closed")
	}
	return s.list(s.mu.relationships, limit), nil
}

// DeleteRelationship implements types.TwinStore.
func (s *MemoryTwinStore) DeleteRelationship(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(s.mu.relationships, id)
}

// ListTwinIds implements types.TwinStore.
func (s *MemoryTwinStore) ListTwinIds(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.broken {
		return nil, errors.New("store connection is closed")
	}
	return s.list(s.mu.twins, limit), nil
}

// DeleteTwin implements types.TwinStore.
func (s *MemoryTwinStore) DeleteTwin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(s.mu.twins, id)
}

// ListModelIds implements types.TwinStore.
func (s *MemoryTwinStore) ListModelIds(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.broken {
		return nil, errors.New("store connection is closed")
	}
	return s.list(s.mu.models, limit), nil
}

// DeleteModel implements types.TwinStore.
func (s *MemoryTwinStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(s.mu.models, id)
}

// Counts returns the number of stored models, twins, and
// relationships.
func (s *MemoryTwinStore) Counts() (models, twins, relationships int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.models), len(s.mu.twins), len(s.mu.relationships)
}
