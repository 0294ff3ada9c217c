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

// Package types contains data types and interfaces that define the
// major functional blocks of the event router. The goal of placing the
// types into this package is to make it easy to compose functionality
// as the project evolves.
package types

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// EventType describes the semantic lifecycle change that a decoded or
// received EventData represents.
type EventType string

// The event types produced by the replication decoder and the
// telemetry listener.
const (
	TwinCreate         EventType = "TwinCreate"
	TwinUpdate         EventType = "TwinUpdate"
	TwinDelete         EventType = "TwinDelete"
	RelationshipCreate EventType = "RelationshipCreate"
	RelationshipUpdate EventType = "RelationshipUpdate"
	RelationshipDelete EventType = "RelationshipDelete"
	Telemetry          EventType = "Telemetry"
)

// IsTwin returns true for the twin-kind lifecycle events.
func (t EventType) IsTwin() bool {
	switch t {
	case TwinCreate, TwinUpdate, TwinDelete:
		return true
	}
	return false
}

// IsRelationship returns true for the relationship-kind lifecycle
// events.
func (t EventType) IsRelationship() bool {
	switch t {
	case RelationshipCreate, RelationshipUpdate, RelationshipDelete:
		return true
	}
	return false
}

// EventData is the unit of work flowing from the sources (replication
// decoder, telemetry listener) through the queue to the router. Id,
// TableName and GraphName are never mutated after construction; the
// value maps are owned by the decoder until the event is enqueued and
// are treated as immutable afterwards.
type EventData struct {
	// Id is the graph row identifier, not the user-visible twin id.
	Id        string
	GraphName string
	TableName string
	OldValue  map[string]any
	NewValue  map[string]any
	EventType EventType
	Timestamp time.Time
}

// Validate enforces the payload invariants that must hold before an
// EventData may be enqueued. Violations are dropped by the caller with
// a warning.
func (e *EventData) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("event has no timestamp")
	}
	switch e.EventType {
	case TwinCreate, RelationshipCreate:
		if e.NewValue == nil {
			return errors.Errorf("%s event without new value", e.EventType)
		}
	case TwinUpdate, RelationshipUpdate:
		if e.NewValue == nil {
			return errors.Errorf("%s event without new value", e.EventType)
		}
		if e.OldValue == nil {
			return errors.Errorf("%s event without old value", e.EventType)
		}
	case TwinDelete, RelationshipDelete:
		if e.OldValue == nil {
			return errors.Errorf("%s event without old value", e.EventType)
		}
	case Telemetry:
		if e.NewValue == nil {
			return errors.New("telemetry event without payload")
		}
	default:
		return errors.Errorf("unknown event type %q", e.EventType)
	}
	return nil
}

// EventQueue is the bounded FIFO connecting the sources to the router.
// It is safe for multiple producers and a single consumer.
type EventQueue interface {
	// Enqueue adds an event, blocking while the queue is at capacity.
	Enqueue(ctx context.Context, e *EventData) error

	// TryDequeue removes the head of the queue, if any.
	TryDequeue() (*EventData, bool)

	// DequeueBatch removes up to max events without waiting.
	DequeueBatch(max int) []*EventData

	// Len returns the current depth.
	Len() int

	// TotalEnqueued returns the lifetime enqueue count.
	TotalEnqueued() uint64
}

// A Sink delivers batches of CloudEvents to a downstream system.
type Sink interface {
	// Name returns the unique, user-assigned sink name.
	Name() string

	// IsHealthy reports a best-effort view of the transport, updated
	// on every send.
	IsHealthy() bool

	// SendBatch delivers the batch, returning nil only on full
	// success. Within a batch, input order is preserved where the
	// transport allows it.
	SendBatch(ctx context.Context, events []event.Event) error

	// Close releases the underlying transport.
	Close() error
}

// DeadLetterQueue persists CloudEvents that exhausted their delivery
// retries, annotated with enough metadata for out-of-band replay.
type DeadLetterQueue interface {
	Persist(ctx context.Context, ev *event.Event, sinkName string, cause error, attempts int) error
}

// TwinStore is the digital-twin client used by the bulk job engines.
// The cypher-executing implementation lives outside this module; the
// job engines only depend on this contract.
type TwinStore interface {
	// Ready verifies that the underlying connection is open.
	Ready(ctx context.Context) error

	// Reconnect attempts a single reopen of the underlying connection.
	Reconnect(ctx context.Context) error

	// CreateModels uploads the whole model collection in one call;
	// models may reference each other.
	CreateModels(ctx context.Context, models []json.RawMessage) error

	// CreateOrReplaceTwins upserts a batch of twin documents.
	CreateOrReplaceTwins(ctx context.Context, twins []json.RawMessage) error

	// CreateOrReplaceRelationships upserts a batch of relationship
	// documents.
	CreateOrReplaceRelationships(ctx context.Context, rels []json.RawMessage) error

	// ListRelationshipIds pages relationship identifiers for deletion.
	ListRelationshipIds(ctx context.Context, limit int) ([]string, error)

	// DeleteRelationship removes one relationship.
	DeleteRelationship(ctx context.Context, id string) error

	// ListTwinIds pages twin identifiers for deletion.
	ListTwinIds(ctx context.Context, limit int) ([]string, error)

	// DeleteTwin removes one twin.
	DeleteTwin(ctx context.Context, id string) error

	// ListModelIds pages model identifiers for deletion.
	ListModelIds(ctx context.Context, limit int) ([]string, error)

	// DeleteModel removes one model.
	DeleteModel(ctx context.Context, id string) error
}

// ErrAlreadyDeleted is returned by TwinStore delete methods when the
// element disappeared between the list and the delete. The delete job
// engine swallows it.
var ErrAlreadyDeleted = errors.New("element already deleted")

// DatabaseConnectivityError indicates that a job engine lost its
// store connection and could not reopen it. It is not fatal: the job
// stays in the running status and is resumed by another process.
type DatabaseConnectivityError struct {
	Cause error
}

func (e *DatabaseConnectivityError) Error() string {
	return "database connectivity lost: " + e.Cause.Error()
}

func (e *DatabaseConnectivityError) Unwrap() error { return e.Cause }

// IsDatabaseConnectivity returns the error if it represents a lost
// store connection.
func IsDatabaseConnectivity(err error) (lost *DatabaseConnectivityError, ok bool) {
	return lost, errors.As(err, &lost)
}

// LeaseBusyError is returned by lease acquisition when another
// process holds an unexpired lease on the job.
type LeaseBusyError struct {
	HeldBy string
}

func (e *LeaseBusyError) Error() string { return "lease is held by another instance" }

// IsLeaseBusy returns the error if it represents a busy lease.
func IsLeaseBusy(err error) (busy *LeaseBusyError, ok bool) {
	return busy, errors.As(err, &busy)
}

// ErrLeaseLost is returned by lease renewal when the lease expired or
// was taken over. The job aborts and is left in running status for
// another process to resume.
var ErrLeaseLost = errors.New("lease lost")

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// Querier is implemented by pgxpool.Pool, pgxpool.Conn, pgxpool.Tx,
// pgx.Conn, and pgx.Tx types. This allows a degree of flexibility in
// defining types that require a database connection.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...interface{}) pgx.Row
}

var (
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Tx)(nil)
	_ Querier = (*pgx.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// PoolInfo describes a database connection pool and what it's
// connected to.
type PoolInfo struct {
	ConnectionString string
	Version          string
}

// Info returns the PoolInfo when embedded.
func (i *PoolInfo) Info() *PoolInfo { return i }

// StorePool is an injection point for the pool that backs the job
// service and the dead-letter queue.
type StorePool struct {
	*pgxpool.Pool
	PoolInfo
	_ noCopy
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
