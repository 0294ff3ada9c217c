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

// Package dlq persists CloudEvents whose delivery retries were
// exhausted and sweeps them back through their sinks.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Row statuses.
const (
	StatusPending   = "pending"
	StatusRetried   = "retried"
	StatusAbandoned = "abandoned"
)

// Schema declared here for ease of reference; created by New.
// The partial index keeps the sweep cheap once the table accumulates
// terminal rows.
const schema = `
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.%[2]s (
  id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  event_id      UUID        NOT NULL,
  sink_name     TEXT        NOT NULL,
  event_type    TEXT        NOT NULL,
  error_message TEXT        NOT NULL,
  attempt_count INT         NOT NULL,
  failed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  status        TEXT        NOT NULL DEFAULT 'pending',
  event         JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_pending_idx
  ON %[1]s.%[2]s (failed_at) WHERE status = 'pending'`

const insertTemplate = `
INSERT INTO %s (event_id, sink_name, event_type, error_message, attempt_count, event)
VALUES ($1, $2, $3, $4, $5, $6)`

// Claims a batch of pending rows. The SKIP LOCKED clause lets several
// processes sweep concurrently without handing out the same row twice.
const claimTemplate = `
SELECT id, sink_name, event FROM %s
WHERE status = 'pending'
ORDER BY failed_at
LIMIT $1
FOR UPDATE SKIP LOCKED`

const markTemplate = `UPDATE %s SET status = $2 WHERE id = $1`

// Config tunes the dead-letter store.
type Config struct {
	Schema    string
	TableName string
	// SweepInterval spaces the re-drive passes; zero disables them.
	SweepInterval time.Duration
	// SweepBatch bounds the rows claimed per pass.
	SweepBatch int
}

// DefaultConfig returns the production settings.
func DefaultConfig() *Config {
	return &Config{
		Schema:        "digitaltwins_eventing",
		TableName:     "dead_letter_queue",
		SweepInterval: 5 * time.Minute,
		SweepBatch:    100,
	}
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.Schema, "dlqSchema", "digitaltwins_eventing",
		"the schema holding the dead-letter table")
	f.StringVar(&c.TableName, "dlqTable", "dead_letter_queue",
		"the name of the dead-letter table")
	f.DurationVar(&c.SweepInterval, "dlqSweepInterval", 5*time.Minute,
		"how often to replay pending dead-letter rows; 0 disables the sweep")
	f.IntVar(&c.SweepBatch, "dlqSweepBatch", 100,
		"the number of dead-letter rows to claim per sweep")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.Schema == "" {
		return errors.New("dlqSchema must be set")
	}
	if c.TableName == "" {
		return errors.New("dlqTable must be set")
	}
	if c.SweepBatch <= 0 {
		return errors.New("dlqSweepBatch must be positive")
	}
	return nil
}

// Store is the database-backed DLQ.
type Store struct {
	cfg  *Config
	pool *types.StorePool

	sql struct {
		insert string
		claim  string
		mark   string
	}
}

var _ types.DeadLetterQueue = (*Store)(nil)

// SinkLookup resolves sink names during the re-drive sweep.
// *sink.Registry satisfies this.
type SinkLookup interface {
	Get(name string) (types.Sink, bool)
}

// syncSender is implemented by the resilient wrapper. A replay must go
// through it: the wrapper's SendBatch accepts failed batches for
// asynchronous retry and returns nil, which would mark rows retried
// without a confirmed delivery.
type syncSender interface {
	SendBatchSync(ctx context.Context, events []event.Event) error
}

// New constructs a Store and ensures its schema exists.
func New(ctx context.Context, cfg *Config, pool *types.StorePool) (*Store, error) {
	s := &Store{cfg: cfg, pool: pool}
	table := fmt.Sprintf("%s.%s", cfg.Schema, cfg.TableName)
	s.sql.insert = fmt.Sprintf(insertTemplate, table)
	s.sql.claim = fmt.Sprintf(claimTemplate, table)
	s.sql.mark = fmt.Sprintf(markTemplate, table)

	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, cfg.Schema, cfg.TableName)); err != nil {
		return nil, errors.Wrap(err, "could not bootstrap dead-letter table")
	}
	return s, nil
}

// Persist implements types.DeadLetterQueue by inserting a pending row.
func (s *Store) Persist(
	ctx context.Context, ev *event.Event, sinkName string, cause error, attempts int,
) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "could not encode event %s", ev.ID())
	}
	if _, err := s.pool.Exec(ctx, s.sql.insert,
		ev.ID(), sinkName, ev.Type(), cause.Error(), attempts, body,
	); err != nil {
		return errors.Wrapf(err, "could not persist event %s for sink %s", ev.ID(), sinkName)
	}
	persistedCount.Inc()
	log.WithFields(log.Fields{
		"event":    ev.ID(),
		"sink":     sinkName,
		"attempts": attempts,
	}).Warn("event dead-lettered")
	return nil
}

// Sweep re-drives pending rows on a timer until the context is
// canceled. Rows whose sink is healthy are replayed once; a
// successful replay marks the row retried, anything else marks it
// abandoned so the sweep never loops over a poison event.
func (s *Store) Sweep(ctx context.Context, sinks SinkLookup) error {
	if s.cfg.SweepInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.sweepOnce(ctx, sinks); err != nil {
				log.WithError(err).Warn("dead-letter sweep failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) sweepOnce(ctx context.Context, sinks SinkLookup) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, s.sql.claim, s.cfg.SweepBatch)
	if err != nil {
		return errors.WithStack(err)
	}
	type claimed struct {
		id       int64
		sinkName string
		body     []byte
	}
	var pending []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.sinkName, &c.body); err != nil {
			rows.Close()
			return errors.WithStack(err)
		}
		pending = append(pending, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}

	for _, c := range pending {
		status := StatusRetried
		if err := s.replay(ctx, sinks, c.sinkName, c.body); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"row":  c.id,
				"sink": c.sinkName,
			}).Warn("could not replay dead-lettered event")
			status = StatusAbandoned
		} else {
			retriedCount.Inc()
		}
		if _, err := tx.Exec(ctx, s.sql.mark, c.id, status); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (s *Store) replay(
	ctx context.Context, sinks SinkLookup, sinkName string, body []byte,
) error {
	sink, ok := sinks.Get(sinkName)
	if !ok {
		return errors.Errorf("sink %s is no longer configured", sinkName)
	}
	if !sink.IsHealthy() {
		return errors.Errorf("sink %s is unhealthy", sinkName)
	}
	var ev event.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return errors.Wrap(err, "stored event is unreadable")
	}
	if s, ok := sink.(syncSender); ok {
		return s.SendBatchSync(ctx, []event.Event{ev})
	}
	return sink.SendBatch(ctx, []event.Event{ev})
}
