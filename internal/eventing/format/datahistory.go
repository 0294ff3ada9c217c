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
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/wI2L/jsondiff"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// dataHistory implements the DataHistory format: a lifecycle
// CloudEvent plus one CloudEvent per changed user property.
func (f *Factory) dataHistory(e *types.EventData, typeMap TypeMap) ([]event.Event, error) {
	if err := e.Validate(); err != nil {
		return nil, invalidf("%s", err.Error())
	}
	switch {
	case e.EventType.IsTwin():
		return f.twinDataHistory(e, typeMap)
	case e.EventType.IsRelationship():
		return f.relationshipDataHistory(e, typeMap)
	}
	return nil, invalidf("%s event is not routable as data history", e.EventType)
}

func (f *Factory) twinDataHistory(e *types.EventData, typeMap TypeMap) ([]event.Event, error) {
	payload := payloadFor(e)
	id, ok := twinID(payload)
	if !ok {
		return nil, invalidf("%s event without $dtId", e.EventType)
	}
	model := modelID(payload)

	lifecycle := func(action string) (event.Event, error) {
		return newEvent(f.source, typeMap.Resolve(KindTwinLifecycle), id, e.Timestamp, map[string]any{
			"twinId":    id,
			"action":    action,
			"timeStamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
			"serviceId": f.source,
			"modelId":   model,
		})
	}

	var out []event.Event
	switch e.EventType {
	case types.TwinCreate:
		ce, err := lifecycle("Create")
		if err != nil {
			return nil, err
		}
		out = append(out, ce)

		// Deriving the creation set from a patch against the empty
		// object yields one add per user property, in deterministic
		// order.
		patch, err := diff(nil, e.NewValue)
		if err != nil {
			return nil, err
		}
		props, err := f.propertyEvents(e, patch, e.NewValue, twinPropertyTarget{id: id, model: model}, typeMap)
		if err != nil {
			return nil, err
		}
		out = append(out, props...)

	case types.TwinDelete:
		ce, err := lifecycle("Delete")
		if err != nil {
			return nil, err
		}
		out = append(out, ce)

	case types.TwinUpdate:
		patch, err := diff(e.OldValue, e.NewValue)
		if err != nil {
			return nil, err
		}
		if hasOp(patch, "/$metadata/$model") {
			ce, err := lifecycle("Update")
			if err != nil {
				return nil, err
			}
			out = append(out, ce)
		}
		props, err := f.propertyEvents(e, patch, e.NewValue, twinPropertyTarget{id: id, model: model}, typeMap)
		if err != nil {
			return nil, err
		}
		out = append(out, props...)
	}
	return out, nil
}

func (f *Factory) relationshipDataHistory(e *types.EventData, typeMap TypeMap) ([]event.Event, error) {
	payload := payloadFor(e)
	rel, ok := relationshipFields(payload)
	if !ok {
		return nil, invalidf("%s event without $relationshipId", e.EventType)
	}
	subject := relationshipSubject(rel.Source, rel.ID)

	lifecycle := func(action string) (event.Event, error) {
		return newEvent(f.source, typeMap.Resolve(KindRelationshipLifecycle), subject, e.Timestamp, map[string]any{
			"relationshipId": rel.ID,
			"action":         action,
			"timeStamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
			"serviceId":      f.source,
			"name":           rel.Name,
			"source":         rel.Source,
			"target":         rel.Target,
		})
	}

	target := relationshipPropertyTarget{rel: rel, subject: subject}

	var out []event.Event
	switch e.EventType {
	case types.RelationshipCreate:
		ce, err := lifecycle("Create")
		if err != nil {
			return nil, err
		}
		out = append(out, ce)

		patch, err := diff(nil, e.NewValue)
		if err != nil {
			return nil, err
		}
		props, err := f.propertyEvents(e, patch, e.NewValue, target, typeMap)
		if err != nil {
			return nil, err
		}
		out = append(out, props...)

	case types.RelationshipDelete:
		ce, err := lifecycle("Delete")
		if err != nil {
			return nil, err
		}
		out = append(out, ce)

	case types.RelationshipUpdate:
		// Relationships carry no model reference, so updates produce
		// property events only.
		patch, err := diff(e.OldValue, e.NewValue)
		if err != nil {
			return nil, err
		}
		props, err := f.propertyEvents(e, patch, e.NewValue, target, typeMap)
		if err != nil {
			return nil, err
		}
		out = append(out, props...)
	}
	return out, nil
}

// propertyTarget supplies the entity-specific parts of a property
// event.
type propertyTarget interface {
	subjectString() string
	baseData() map[string]any
}

type twinPropertyTarget struct {
	id    string
	model string
}

func (t twinPropertyTarget) subjectString() string { return t.id }

func (t twinPropertyTarget) baseData() map[string]any {
	return map[string]any{
		"id":      t.id,
		"modelId": t.model,
	}
}

type relationshipPropertyTarget struct {
	rel     relationship
	subject string
}

func (t relationshipPropertyTarget) subjectString() string { return t.subject }

func (t relationshipPropertyTarget) baseData() map[string]any {
	return map[string]any{
		"id":                 t.rel.Source,
		"relationshipId":     t.rel.ID,
		"relationshipTarget": t.rel.Target,
	}
}

// propertyEvents walks the patch in operation order and emits one
// PropertyEvent per user-property change. Metadata operations are
// skipped, except that a bare /$metadata/<prop>/lastUpdateTime change
// with no sibling operation on /<prop> still surfaces the (unchanged)
// property value as an Update. This preserves the behavior of
// emitting a property event when only the write timestamp moved.
func (f *Factory) propertyEvents(
	e *types.EventData,
	patch jsondiff.Patch,
	newValue map[string]any,
	target propertyTarget,
	typeMap TypeMap,
) ([]event.Event, error) {
	emitted := make(map[string]bool)
	var out []event.Event

	emit := func(key string, value any, action string, updateTime, sourceTime any) error {
		data := target.baseData()
		data["key"] = key
		data["value"] = value
		data["action"] = action
		if s, ok := updateTime.(string); ok && s != "" {
			data["timeStamp"] = s
		} else {
			data["timeStamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		if s, ok := sourceTime.(string); ok && s != "" {
			data["sourceTimeStamp"] = s
		}
		ce, err := newEvent(f.source, typeMap.Resolve(KindPropertyEvent), target.subjectString(), e.Timestamp, data)
		if err != nil {
			return err
		}
		out = append(out, ce)
		return nil
	}

	for _, op := range patch {
		if strings.HasPrefix(op.Path, "/$") {
			// A lastUpdateTime-only change still yields a property
			// event carrying the current value.
			prop, ok := bareTimestampProperty(op.Path)
			if !ok || emitted[prop] || patchTouchesProperty(patch, prop) {
				continue
			}
			value, _ := pointerGet(newValue, "/"+prop)
			sourceTime, _ := opValue(patch, "/$metadata/"+prop+"/sourceTime")
			if err := emit(prop, value, "Update", op.Value, sourceTime); err != nil {
				return nil, err
			}
			emitted[prop] = true
			continue
		}

		action, ok := actionForOp(op.Type)
		if !ok {
			continue
		}
		key := propertyKey(op.Path)
		updateTime, _ := opValue(patch, "/$metadata"+op.Path+"/lastUpdateTime")
		sourceTime, _ := opValue(patch, "/$metadata"+op.Path+"/sourceTime")
		if err := emit(key, op.Value, action, updateTime, sourceTime); err != nil {
			return nil, err
		}
		emitted[strings.TrimPrefix(op.Path, "/")] = true
	}
	return out, nil
}

// bareTimestampProperty matches /$metadata/<prop>/lastUpdateTime for a
// user property and returns the property name.
func bareTimestampProperty(path string) (string, bool) {
	const prefix = "/$metadata/"
	const suffix = "/lastUpdateTime"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	prop := path[len(prefix) : len(path)-len(suffix)]
	if prop == "" || strings.HasPrefix(prop, "$") || strings.Contains(prop, "/") {
		return "", false
	}
	return prop, true
}

// patchTouchesProperty reports whether the patch contains a direct
// operation on the property or one of its descendants.
func patchTouchesProperty(patch jsondiff.Patch, prop string) bool {
	direct := "/" + prop
	for _, op := range patch {
		if op.Path == direct || strings.HasPrefix(op.Path, direct+"/") {
			return true
		}
	}
	return false
}
