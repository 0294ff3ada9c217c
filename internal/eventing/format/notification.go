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

package format

import (
	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// notification implements the EventNotification format: exactly one
// CloudEvent per input. Creates and deletes carry the full payload;
// updates carry the model id and a JSON-Patch document.
func (f *Factory) notification(e *types.EventData, typeMap TypeMap) ([]event.Event, error) {
	if err := e.Validate(); err != nil {
		return nil, invalidf("%s", err.Error())
	}

	var subject string
	switch {
	case e.EventType.IsTwin():
		id, ok := twinID(payloadFor(e))
		if !ok {
			return nil, invalidf("%s event without $dtId", e.EventType)
		}
		subject = id
	case e.EventType.IsRelationship():
		rel, ok := relationshipFields(payloadFor(e))
		if !ok {
			return nil, invalidf("%s event without $relationshipId", e.EventType)
		}
		subject = relationshipSubject(rel.Source, rel.ID)
	default:
		return nil, invalidf("%s event is not routable as a notification", e.EventType)
	}

	var data any
	var kind Kind
	switch e.EventType {
	case types.TwinCreate:
		kind, data = KindTwinCreate, e.NewValue
	case types.RelationshipCreate:
		kind, data = KindRelationshipCreate, e.NewValue
	case types.TwinDelete:
		kind, data = KindTwinDelete, e.OldValue
	case types.RelationshipDelete:
		kind, data = KindRelationshipDelete, e.OldValue
	case types.TwinUpdate, types.RelationshipUpdate:
		patch, err := diff(e.OldValue, e.NewValue)
		if err != nil {
			return nil, err
		}
		if e.EventType == types.TwinUpdate {
			kind = KindTwinUpdate
		} else {
			kind = KindRelationshipUpdate
		}
		data = map[string]any{
			"modelId": modelID(e.NewValue),
			"patch":   patch,
		}
	}

	ce, err := newEvent(f.source, typeMap.Resolve(kind), subject, e.Timestamp, data)
	if err != nil {
		return nil, err
	}
	return []event.Event{ce}, nil
}
