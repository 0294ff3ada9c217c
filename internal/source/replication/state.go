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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Collector reconstructs entity-level lifecycle events from the row
// messages of one transaction. A graph operation may touch the same
// row several times inside a transaction; the collector carries a
// single "current" event per entity and folds successive row images
// into it, preserving the first old value it saw.
type Collector struct {
	graphName string
	current   *types.EventData
}

// NewCollector constructs a Collector for one graph.
func NewCollector(graphName string) *Collector {
	return &Collector{graphName: graphName}
}

// Begin resets the collector at a transaction boundary.
func (c *Collector) Begin() {
	if c.current != nil {
		log.WithField("entity", c.current.Id).
			Warn("dropping event left over from unterminated transaction")
	}
	c.current = nil
}

// Insert folds an inserted row image. It returns the previous entity's
// completed event when the row starts a new entity.
func (c *Collector) Insert(table, id string, row map[string]any) *types.EventData {
	flushed := c.flushIfSwitching(table, id)
	eventType, ok := inferType(row, table, true)
	if !ok {
		return flushed
	}
	c.current = &types.EventData{
		Id:        id,
		GraphName: c.graphName,
		TableName: table,
		OldValue:  map[string]any{},
		NewValue:  row,
		EventType: eventType,
	}
	return flushed
}

// Update folds an updated row image. Row identity must be stable
// across the update; mismatched or absent identifiers skip the
// message. The first old value seen for an entity is retained: later
// row images within the transaction only advance newValue.
func (c *Collector) Update(
	table, oldID string, oldRow map[string]any, newID string, newRow map[string]any,
) *types.EventData {
	// An empty oldID is allowed: REPLICA IDENTITY NOTHING yields no old
	// tuple, so such updates proceed with an empty old image and are
	// dropped at commit if no old value was ever recovered.
	if newID == "" || (oldID != "" && oldID != newID) {
		log.WithFields(log.Fields{
			"old": oldID,
			"new": newID,
		}).Debug("skipping update with unstable row identity")
		return nil
	}
	flushed := c.flushIfSwitching(table, newID)

	if c.current == nil {
		eventType, ok := inferType(newRow, table, false)
		if !ok {
			return flushed
		}
		c.current = &types.EventData{
			Id:        newID,
			GraphName: c.graphName,
			TableName: table,
			OldValue:  oldRow,
			NewValue:  newRow,
			EventType: eventType,
		}
		return flushed
	}

	c.current.NewValue = newRow
	if c.current.OldValue == nil {
		c.current.OldValue = oldRow
	}
	return flushed
}

// Delete folds a deleted row image.
func (c *Collector) Delete(table, id string, oldRow map[string]any) *types.EventData {
	flushed := c.flushIfSwitching(table, id)
	eventType, ok := inferType(oldRow, table, false)
	if !ok {
		return flushed
	}
	eventType = deleteType(eventType)

	if c.current == nil {
		c.current = &types.EventData{
			Id:        id,
			GraphName: c.graphName,
			TableName: table,
			OldValue:  oldRow,
			EventType: eventType,
		}
		return flushed
	}
	if c.current.OldValue == nil {
		c.current.OldValue = oldRow
	}
	c.current.NewValue = nil
	c.current.EventType = eventType
	return flushed
}

// Commit completes the transaction, returning the in-flight event.
func (c *Collector) Commit(commitTime time.Time) *types.EventData {
	e := c.take(commitTime)
	c.current = nil
	return e
}

// flushIfSwitching completes the current event when the incoming row
// belongs to a different entity.
func (c *Collector) flushIfSwitching(table, id string) *types.EventData {
	if c.current == nil {
		return nil
	}
	if c.current.Id == id && c.current.TableName == table {
		return nil
	}
	return c.take(time.Now())
}

// take validates and detaches the current event. Invalid events are
// dropped with a warning, never enqueued.
func (c *Collector) take(ts time.Time) *types.EventData {
	e := c.current
	c.current = nil
	if e == nil {
		return nil
	}
	e.Timestamp = ts
	if err := e.Validate(); err != nil {
		droppedCount.Inc()
		log.WithError(err).WithFields(log.Fields{
			"entity": e.Id,
			"table":  e.TableName,
			"type":   e.EventType,
		}).Warn("dropping invalid event")
		return nil
	}
	return e
}

// inferType classifies a row payload. The vertex label wins over
// payload keys only for the Twin table fallback.
func inferType(row map[string]any, table string, insert bool) (types.EventType, bool) {
	twin := types.TwinUpdate
	rel := types.RelationshipUpdate
	if insert {
		twin = types.TwinCreate
		rel = types.RelationshipCreate
	}
	if row != nil {
		if _, ok := row["$relationshipId"]; ok {
			return rel, true
		}
		if _, ok := row["$dtId"]; ok {
			return twin, true
		}
	}
	if table == "Twin" {
		return twin, true
	}
	return "", false
}

func deleteType(t types.EventType) types.EventType {
	if t.IsRelationship() {
		return types.RelationshipDelete
	}
	return types.TwinDelete
}
