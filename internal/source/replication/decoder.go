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

// Package replication tails the logical replication stream of a
// property graph and turns its row images into lifecycle events.
package replication

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/agtype"
)

// retryDelay spaces reconnection attempts after a fault.
const retryDelay = 5 * time.Second

// systemNamespace holds the graph catalog tables whose rows never
// describe twins.
const systemNamespace = "ag_catalog"

// Decoder owns the replication connection. It is restartable: Run
// loops over connect/stream/fault until its context is canceled.
type Decoder struct {
	cfg     *Config
	queue   types.EventQueue
	healthy atomic.Bool

	// Streaming state, valid for one connection.
	relations map[uint32]*pglogrepl.RelationMessageV2
	collector *Collector
	tracer    trace.Tracer
	txn       trace.Span
}

// NewDecoder constructs a Decoder feeding the queue.
func NewDecoder(cfg *Config, queue types.EventQueue) *Decoder {
	return &Decoder{
		cfg:       cfg,
		queue:     queue,
		relations: make(map[uint32]*pglogrepl.RelationMessageV2),
		collector: NewCollector(cfg.GraphName),
		tracer:    otel.Tracer("replication"),
	}
}

// IsHealthy reports whether the stream is currently established.
func (d *Decoder) IsHealthy() bool { return d.healthy.Load() }

// Run tails the slot until the context is canceled. Faults are
// classified and never escape: connection losses reconnect after a
// delay, an invalidated slot is dropped and recreated, anything else
// is logged and retried.
func (d *Decoder) Run(ctx context.Context) error {
	for {
		err := d.stream(ctx)
		d.healthy.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case isSlotInvalidated(err):
			log.WithError(err).Warn("replication slot invalidated; recreating")
			if err := d.recreateSlot(ctx); err != nil {
				log.WithError(err).Error("could not recreate replication slot")
				break // Fall through to the sleep below.
			}
			continue
		case isConnectionError(err):
			log.WithError(err).Warn("replication connection lost; reconnecting")
		default:
			log.WithError(err).Error("replication stream failed; retrying")
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// connect opens a replication-mode connection with keepalive and no
// command timeout.
func (d *Decoder) connect(ctx context.Context) (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(d.cfg.ConnectionString)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse connection string")
	}
	cfg.RuntimeParams["replication"] = "database"
	cfg.ConnectTimeout = 0
	cfg.DialFunc = (&net.Dialer{
		KeepAlive: 30 * time.Second,
	}).DialContext

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not open replication connection")
	}
	return conn, nil
}

// stream runs one connect/replicate cycle.
func (d *Decoder) stream(ctx context.Context) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if err := d.ensurePublication(ctx, conn); err != nil {
		return err
	}
	if err := d.ensureSlot(ctx, conn); err != nil {
		return err
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return errors.Wrap(err, "could not identify system")
	}

	// LSN 0 resumes from the slot's confirmed position.
	if err := pglogrepl.StartReplication(ctx, conn, d.cfg.SlotName, 0,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '4'",
				"publication_names '" + d.cfg.Publication + "'",
			},
		}); err != nil {
		return errors.Wrapf(err, "could not start replication on slot %s", d.cfg.SlotName)
	}
	d.healthy.Store(true)
	d.relations = make(map[uint32]*pglogrepl.RelationMessageV2)
	d.collector = NewCollector(d.cfg.GraphName)
	log.WithFields(log.Fields{
		"slot":        d.cfg.SlotName,
		"publication": d.cfg.Publication,
		"systemId":    sysident.SystemID,
	}).Info("replication started")

	for {
		rawMsg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "could not receive replication message")
		}
		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return errors.Errorf("replication error %s: %s", errMsg.Code, errMsg.Message)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, "could not parse keepalive")
			}
			if err := d.acknowledge(ctx, conn, ka.ServerWALEnd); err != nil {
				return err
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, "could not parse WAL data")
			}
			d.handleWAL(ctx, xld.WALData)
			// The position advances whether or not the message
			// produced an event, so the server can recycle WAL.
			if err := d.acknowledge(ctx, conn, xld.WALStart+pglogrepl.LSN(len(xld.WALData))); err != nil {
				return err
			}
		}
	}
}

// acknowledge reports the consumed position back to the server.
func (d *Decoder) acknowledge(
	ctx context.Context, conn *pgconn.PgConn, pos pglogrepl.LSN,
) error {
	return errors.Wrap(pglogrepl.SendStandbyStatusUpdate(ctx, conn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: pos}),
		"could not send standby status")
}

// handleWAL decodes one logical message and feeds the collector.
// Decode failures are logged and skipped; they must not tear down the
// stream.
func (d *Decoder) handleWAL(ctx context.Context, walData []byte) {
	msg, err := pglogrepl.ParseV2(walData, false)
	if err != nil {
		log.WithError(err).Warn("could not parse logical message; skipping")
		return
	}
	messageCount.Inc()

	switch m := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		d.relations[m.RelationID] = m

	case *pglogrepl.BeginMessage:
		_, d.txn = d.tracer.Start(ctx, "replication.transaction",
			trace.WithAttributes(attribute.Int64("xid", int64(m.Xid))))
		d.collector.Begin()

	case *pglogrepl.CommitMessage:
		d.enqueue(ctx, d.collector.Commit(m.CommitTime))
		transactionCount.Inc()
		if d.txn != nil {
			d.txn.End()
			d.txn = nil
		}

	case *pglogrepl.InsertMessageV2:
		rel, ok := d.graphRelation(m.RelationID)
		if !ok {
			return
		}
		id, row, err := decodeTuple(rel, m.Tuple)
		if err != nil {
			log.WithError(err).WithField("table", rel.RelationName).
				Warn("could not decode inserted row")
			return
		}
		d.enqueue(ctx, d.collector.Insert(rel.RelationName, id, row))

	case *pglogrepl.UpdateMessageV2:
		rel, ok := d.graphRelation(m.RelationID)
		if !ok {
			return
		}
		oldID, oldRow, err := decodeTuple(rel, m.OldTuple)
		if err != nil {
			log.WithError(err).WithField("table", rel.RelationName).
				Warn("could not decode old row image")
			return
		}
		newID, newRow, err := decodeTuple(rel, m.NewTuple)
		if err != nil {
			log.WithError(err).WithField("table", rel.RelationName).
				Warn("could not decode new row image")
			return
		}
		d.enqueue(ctx, d.collector.Update(rel.RelationName, oldID, oldRow, newID, newRow))

	case *pglogrepl.DeleteMessageV2:
		rel, ok := d.graphRelation(m.RelationID)
		if !ok {
			return
		}
		id, row, err := decodeTuple(rel, m.OldTuple)
		if err != nil {
			log.WithError(err).WithField("table", rel.RelationName).
				Warn("could not decode deleted row")
			return
		}
		d.enqueue(ctx, d.collector.Delete(rel.RelationName, id, row))
	}
}

// graphRelation filters out tables that do not belong to the graph.
func (d *Decoder) graphRelation(id uint32) (*pglogrepl.RelationMessageV2, bool) {
	rel, ok := d.relations[id]
	if !ok {
		log.WithField("relation", id).Warn("row for unknown relation; skipping")
		return nil, false
	}
	if rel.Namespace == systemNamespace {
		return nil, false
	}
	if rel.Namespace != d.cfg.GraphName {
		return nil, false
	}
	return rel, true
}

// enqueue hands a completed event to the queue, blocking under
// backpressure.
func (d *Decoder) enqueue(ctx context.Context, e *types.EventData) {
	if e == nil {
		return
	}
	if err := d.queue.Enqueue(ctx, e); err != nil {
		log.WithError(err).WithField("entity", e.Id).
			Warn("could not enqueue event")
		return
	}
	eventCount.WithLabelValues(e.GraphName).Inc()
}

// decodeTuple extracts the graph row id and the properties document.
// A nil tuple (e.g. an update without a full old row image) yields
// empty results.
func decodeTuple(
	rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData,
) (string, map[string]any, error) {
	if tuple == nil {
		return "", nil, nil
	}
	var id string
	var props map[string]any
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		if col.DataType != pglogrepl.TupleDataTypeText {
			continue
		}
		switch rel.Columns[i].Name {
		case "id":
			id = string(col.Data)
		case "properties":
			var err error
			props, err = agtype.ParseMap(col.Data)
			if err != nil {
				return "", nil, errors.Wrap(err, "could not parse properties")
			}
		}
	}
	return id, props, nil
}

// ensurePublication verifies that the configured publication exists.
// The publication is created by the database bootstrap, not here;
// streaming against a missing publication fails with an opaque error,
// so this check turns it into a clear one.
func (d *Decoder) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	rows, err := conn.Exec(ctx,
		"SELECT 1 FROM pg_publication WHERE pubname = '"+sanitize(d.cfg.Publication)+"'").ReadAll()
	if err != nil {
		return errors.Wrap(err, "could not query publications")
	}
	if len(rows) == 0 || len(rows[0].Rows) == 0 {
		return errors.Errorf("publication %q does not exist", d.cfg.Publication)
	}
	return nil
}

// ensureSlot creates the logical slot if it is missing.
func (d *Decoder) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	rows, err := conn.Exec(ctx,
		"SELECT 1 FROM pg_replication_slots WHERE slot_name = '"+sanitize(d.cfg.SlotName)+"'").ReadAll()
	if err != nil {
		return errors.Wrap(err, "could not query replication slots")
	}
	if len(rows) > 0 && len(rows[0].Rows) > 0 {
		return nil
	}
	if _, err := pglogrepl.CreateReplicationSlot(ctx, conn, d.cfg.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{}); err != nil {
		return errors.Wrapf(err, "could not create replication slot %s", d.cfg.SlotName)
	}
	log.WithField("slot", d.cfg.SlotName).Info("created replication slot")
	return nil
}

// recreateSlot drops and recreates an invalidated slot on a fresh
// connection. Changes between invalidation and recreation are lost;
// resuming from a historical position is out of scope.
func (d *Decoder) recreateSlot(ctx context.Context) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if err := pglogrepl.DropReplicationSlot(ctx, conn, d.cfg.SlotName,
		pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
		log.WithError(err).Debug("could not drop replication slot; may already be gone")
	}
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, d.cfg.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	return errors.Wrapf(err, "could not create replication slot %s", d.cfg.SlotName)
}

// sanitize strips quote characters from identifiers interpolated into
// catalog queries. Replication connections use the simple query
// protocol, which does not take bind parameters.
func sanitize(s string) string {
	return strings.NewReplacer("'", "", `"`, "", ";", "").Replace(s)
}

// isConnectionError classifies socket-level faults that warrant a
// reconnect rather than an error report.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"unexpected eof",
		"end of stream",
		"server closed connection",
		"connection reset",
		"broken pipe",
		"connection refused",
		"timeout",
		"conn closed",
		"connection is broken",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isSlotInvalidated matches the server errors raised when the slot's
// WAL was removed or the slot was marked invalid.
func isSlotInvalidated(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can no longer get changes from replication slot") ||
		(strings.Contains(msg, "slot") && strings.Contains(msg, "invalidated"))
}
