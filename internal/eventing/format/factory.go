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
	"fmt"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Factory transforms EventData into CloudEvents. It carries only the
// per-process source URI; everything else arrives per call.
type Factory struct {
	source string
}

// NewFactory constructs a Factory emitting events with the given
// source attribute.
func NewFactory(source string) *Factory {
	return &Factory{source: source}
}

// Source returns the per-process source URI.
func (f *Factory) Source() string { return f.source }

// Transform produces the CloudEvents for one EventData under the
// requested format. Within a single EventData, lifecycle events come
// first, followed by property events in patch-operation order.
func (f *Factory) Transform(
	e *types.EventData, format Format, typeMap TypeMap,
) ([]event.Event, error) {
	if e == nil {
		return nil, invalidf("nil event")
	}
	switch format {
	case EventNotification:
		return f.notification(e, typeMap)
	case DataHistory:
		return f.dataHistory(e, typeMap)
	case Telemetry:
		return f.telemetry(e, typeMap)
	}
	return nil, invalidf("unknown format %q", format)
}

// relationshipSubject renders the subject for relationship events.
func relationshipSubject(sourceID, relationshipID string) string {
	return fmt.Sprintf("%s/relationships/%s", sourceID, relationshipID)
}

// stringField extracts a string-valued field from a payload map.
func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok && v != ""
}

// twinID returns the $dtId of a twin payload.
func twinID(m map[string]any) (string, bool) {
	return stringField(m, "$dtId")
}

// modelID returns $metadata.$model of a twin payload.
func modelID(m map[string]any) string {
	v, _ := pointerGet(m, "/$metadata/$model")
	s, _ := v.(string)
	return s
}

// relationship pulls the identifying fields out of a relationship
// payload.
type relationship struct {
	ID     string
	Source string
	Target string
	Name   string
}

func relationshipFields(m map[string]any) (relationship, bool) {
	rel := relationship{}
	var ok bool
	if rel.ID, ok = stringField(m, "$relationshipId"); !ok {
		return rel, false
	}
	rel.Source, _ = stringField(m, "$sourceId")
	if rel.Source == "" {
		// Telemetry-era payloads carry the source under $dtId.
		rel.Source, _ = stringField(m, "$dtId")
	}
	rel.Target, _ = stringField(m, "$targetId")
	rel.Name, _ = stringField(m, "$relationshipName")
	return rel, true
}

// payloadFor returns the payload side that identifies the entity for
// the given event type: the new side for creates and updates, the old
// side for deletes.
func payloadFor(e *types.EventData) map[string]any {
	switch e.EventType {
	case types.TwinDelete, types.RelationshipDelete:
		return e.OldValue
	}
	return e.NewValue
}
