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
	"encoding/json"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wI2L/jsondiff"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

const testSource = "postgresql://db.example.com"

var testTime = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func decodeData(t *testing.T, ev interface{ Data() []byte }) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ev.Data(), &out))
	return out
}

func TestTwinCreateNotification(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		Id:        "844424930131969",
		GraphName: "digitaltwins",
		TableName: "Twin",
		EventType: types.TwinCreate,
		NewValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m1"},
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, EventNotification, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	ce := out[0]
	assert.Equal(t, "Konnektr.DigitalTwins.Twin.Create", ce.Type())
	assert.Equal(t, "twin1", ce.Subject())
	assert.Equal(t, testSource, ce.Source())
	assert.Equal(t, testTime, ce.Time())
	assert.Equal(t, "application/json", ce.DataContentType())
	assert.NotEmpty(t, ce.ID())

	data := decodeData(t, &ce)
	assert.Equal(t, "twin1", data["$dtId"])
}

func TestTwinUpdatePatchNotification(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		Id:        "844424930131969",
		GraphName: "digitaltwins",
		TableName: "Twin",
		EventType: types.TwinUpdate,
		OldValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m0"},
		},
		NewValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m1"},
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, EventNotification, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	ce := out[0]
	assert.Equal(t, "Konnektr.DigitalTwins.Twin.Update", ce.Type())
	assert.Equal(t, "twin1", ce.Subject())

	data := decodeData(t, &ce)
	assert.Equal(t, "m1", data["modelId"])

	patch, ok := data["patch"].([]any)
	require.True(t, ok, "patch must be an operation array")
	require.Len(t, patch, 1)
	op := patch[0].(map[string]any)
	assert.Equal(t, "replace", op["op"])
	assert.Equal(t, "/$metadata/$model", op["path"])
	assert.Equal(t, "m1", op["value"])
}

func TestRelationshipDeleteNotification(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		Id:        "1125899906842625",
		GraphName: "digitaltwins",
		TableName: "has",
		EventType: types.RelationshipDelete,
		OldValue: map[string]any{
			"$relationshipId":   "rel1",
			"$sourceId":         "twinA",
			"$targetId":         "twinB",
			"$relationshipName": "has",
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, EventNotification, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	ce := out[0]
	assert.Equal(t, "Konnektr.DigitalTwins.Relationship.Delete", ce.Type())
	assert.Equal(t, "twinA/relationships/rel1", ce.Subject())

	data := decodeData(t, &ce)
	assert.Equal(t, "rel1", data["$relationshipId"])
	assert.Equal(t, "twinB", data["$targetId"])
}

func TestNotificationInvalidInputs(t *testing.T) {
	f := NewFactory(testSource)
	tcs := []struct {
		name string
		e    *types.EventData
	}{
		{
			name: "create without new value",
			e: &types.EventData{
				EventType: types.TwinCreate,
				Timestamp: testTime,
			},
		},
		{
			name: "update without old value",
			e: &types.EventData{
				EventType: types.TwinUpdate,
				NewValue:  map[string]any{"$dtId": "t"},
				Timestamp: testTime,
			},
		},
		{
			name: "twin without dtId",
			e: &types.EventData{
				EventType: types.TwinCreate,
				NewValue:  map[string]any{"name": "nameless"},
				Timestamp: testTime,
			},
		},
		{
			name: "relationship without relationshipId",
			e: &types.EventData{
				EventType: types.RelationshipCreate,
				NewValue:  map[string]any{"$sourceId": "a"},
				Timestamp: testTime,
			},
		},
		{
			name: "telemetry through notification route",
			e: &types.EventData{
				EventType: types.Telemetry,
				NewValue:  map[string]any{"digitalTwinId": "t"},
				Timestamp: testTime,
			},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Transform(tc.e, EventNotification, nil)
			require.Error(t, err)
			_, ok := IsInvalidEventData(err)
			assert.True(t, ok, "expected InvalidEventDataError, got %v", err)
		})
	}
}

func TestDataHistoryTwinCreate(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinCreate,
		TableName: "Twin",
		NewValue: map[string]any{
			"$dtId":       "twin1",
			"$metadata":   map[string]any{"$model": "m1"},
			"humidity":    40.0,
			"temperature": 25.5,
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 3, "lifecycle plus one event per user property")

	lifecycle := decodeData(t, &out[0])
	assert.Equal(t, "Konnektr.DigitalTwins.Twin.Lifecycle", out[0].Type())
	assert.Equal(t, "twin1", lifecycle["twinId"])
	assert.Equal(t, "Create", lifecycle["action"])
	assert.Equal(t, "m1", lifecycle["modelId"])
	assert.Equal(t, testSource, lifecycle["serviceId"])

	// Property events follow in patch-operation (sorted key) order.
	humidity := decodeData(t, &out[1])
	assert.Equal(t, "Konnektr.DigitalTwins.Property.Event", out[1].Type())
	assert.Equal(t, "humidity", humidity["key"])
	assert.Equal(t, 40.0, humidity["value"])
	assert.Equal(t, "Create", humidity["action"])

	temperature := decodeData(t, &out[2])
	assert.Equal(t, "temperature", temperature["key"])
	assert.Equal(t, 25.5, temperature["value"])
	assert.Equal(t, "Create", temperature["action"])
}

func TestDataHistoryModelChangeEmitsLifecycle(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinUpdate,
		TableName: "Twin",
		OldValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m0"},
		},
		NewValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m1"},
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	data := decodeData(t, &out[0])
	assert.Equal(t, "Update", data["action"])
	assert.Equal(t, "m1", data["modelId"])
}

func TestDataHistorySameValueTimestampOnlyUpdate(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinUpdate,
		TableName: "Twin",
		OldValue: map[string]any{
			"$dtId": "twin1",
			"$metadata": map[string]any{
				"$model":      "m1",
				"temperature": map[string]any{"lastUpdateTime": "2025-06-01T12:00:00Z"},
			},
			"temperature": 25.5,
		},
		NewValue: map[string]any{
			"$dtId": "twin1",
			"$metadata": map[string]any{
				"$model":      "m1",
				"temperature": map[string]any{"lastUpdateTime": "2025-06-01T12:30:00Z"},
			},
			"temperature": 25.5,
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1, "a timestamp-only change still surfaces the property")

	data := decodeData(t, &out[0])
	assert.Equal(t, "temperature", data["key"])
	assert.Equal(t, 25.5, data["value"])
	assert.Equal(t, "Update", data["action"])
	assert.Equal(t, "2025-06-01T12:30:00Z", data["timeStamp"])
	_, hasSourceTime := data["sourceTimeStamp"]
	assert.False(t, hasSourceTime)
}

func TestDataHistoryPropertyWithSourceTime(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinUpdate,
		TableName: "Twin",
		OldValue: map[string]any{
			"$dtId": "twin1",
			"$metadata": map[string]any{
				"$model": "m1",
				"temperature": map[string]any{
					"lastUpdateTime": "2025-06-01T12:00:00Z",
					"sourceTime":     "2025-06-01T11:59:58Z",
				},
			},
			"temperature": 20.0,
		},
		NewValue: map[string]any{
			"$dtId": "twin1",
			"$metadata": map[string]any{
				"$model": "m1",
				"temperature": map[string]any{
					"lastUpdateTime": "2025-06-01T12:30:00Z",
					"sourceTime":     "2025-06-01T12:29:58Z",
				},
			},
			"temperature": 21.0,
		},
		Timestamp: testTime,
	}

	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	data := decodeData(t, &out[0])
	assert.Equal(t, "temperature", data["key"])
	assert.Equal(t, 21.0, data["value"])
	assert.Equal(t, "Update", data["action"])
	assert.Equal(t, "2025-06-01T12:30:00Z", data["timeStamp"])
	assert.Equal(t, "2025-06-01T12:29:58Z", data["sourceTimeStamp"])
}

func TestDataHistoryRelationshipLifecycle(t *testing.T) {
	f := NewFactory(testSource)
	rel := map[string]any{
		"$relationshipId":   "rel1",
		"$sourceId":         "twinA",
		"$targetId":         "twinB",
		"$relationshipName": "has",
	}

	e := &types.EventData{
		EventType: types.RelationshipDelete,
		TableName: "has",
		OldValue:  rel,
		Timestamp: testTime,
	}
	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "Konnektr.DigitalTwins.Relationship.Lifecycle", out[0].Type())
	assert.Equal(t, "twinA/relationships/rel1", out[0].Subject())
	data := decodeData(t, &out[0])
	assert.Equal(t, "rel1", data["relationshipId"])
	assert.Equal(t, "Delete", data["action"])
	assert.Equal(t, "has", data["name"])
	assert.Equal(t, "twinA", data["source"])
	assert.Equal(t, "twinB", data["target"])
}

func TestDataHistoryRelationshipUpdateProperties(t *testing.T) {
	f := NewFactory(testSource)
	old := map[string]any{
		"$relationshipId":   "rel1",
		"$sourceId":         "twinA",
		"$targetId":         "twinB",
		"$relationshipName": "has",
		"strength":          1.0,
	}
	new := map[string]any{
		"$relationshipId":   "rel1",
		"$sourceId":         "twinA",
		"$targetId":         "twinB",
		"$relationshipName": "has",
		"strength":          2.0,
	}

	e := &types.EventData{
		EventType: types.RelationshipUpdate,
		TableName: "has",
		OldValue:  old,
		NewValue:  new,
		Timestamp: testTime,
	}
	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	data := decodeData(t, &out[0])
	assert.Equal(t, "strength", data["key"])
	assert.Equal(t, 2.0, data["value"])
	assert.Equal(t, "Update", data["action"])
	assert.Equal(t, "rel1", data["relationshipId"])
	assert.Equal(t, "twinB", data["relationshipTarget"])
	assert.Equal(t, "twinA", data["id"])
}

func TestTelemetryPassThrough(t *testing.T) {
	f := NewFactory(testSource)
	payload := map[string]any{
		"digitalTwinId": "twin1",
		"messageId":     "msg-1",
		"graphName":     "digitaltwins",
		"temperature":   25.5,
	}
	e := &types.EventData{
		Id:        "twin1",
		GraphName: "digitaltwins",
		TableName: "telemetry",
		EventType: types.Telemetry,
		NewValue:  payload,
		Timestamp: testTime,
	}

	out, err := f.Transform(e, Telemetry, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Konnektr.DigitalTwins.Telemetry", out[0].Type())
	assert.Equal(t, "twin1", out[0].Subject())
	data := decodeData(t, &out[0])
	assert.Equal(t, 25.5, data["temperature"])
}

func TestTypeMapOverrides(t *testing.T) {
	f := NewFactory(testSource)
	overrides := TypeMap{
		KindTwinCreate: "com.example.twin.created",
	}
	e := &types.EventData{
		EventType: types.TwinCreate,
		TableName: "Twin",
		NewValue:  map[string]any{"$dtId": "twin1"},
		Timestamp: testTime,
	}
	out, err := f.Transform(e, EventNotification, overrides)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "com.example.twin.created", out[0].Type())

	// Kinds without an override keep the defaults.
	assert.Equal(t, "Konnektr.DigitalTwins.Twin.Delete", overrides.Resolve(KindTwinDelete))
}

func TestEventIDsAreUnique(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinCreate,
		TableName: "Twin",
		NewValue: map[string]any{
			"$dtId": "twin1",
			"a":     1.0,
			"b":     2.0,
		},
		Timestamp: testTime,
	}
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		out, err := f.Transform(e, DataHistory, nil)
		require.NoError(t, err)
		for _, ce := range out {
			assert.Equal(t, testTime, ce.Time())
			assert.False(t, seen[ce.ID()], "duplicate CloudEvent id %s", ce.ID())
			seen[ce.ID()] = true
		}
	}
}

func TestPatchRoundTrip(t *testing.T) {
	tcs := []struct {
		name string
		old  map[string]any
		new  map[string]any
	}{
		{
			name: "model swap",
			old:  map[string]any{"$metadata": map[string]any{"$model": "m0"}},
			new:  map[string]any{"$metadata": map[string]any{"$model": "m1"}},
		},
		{
			name: "add and remove",
			old:  map[string]any{"a": 1.0, "b": 2.0},
			new:  map[string]any{"b": 3.0, "c": 4.0},
		},
		{
			name: "nested",
			old:  map[string]any{"comp": map[string]any{"x": 1.0, "y": 2.0}},
			new:  map[string]any{"comp": map[string]any{"x": 1.5, "z": []any{1.0, 2.0}}},
		},
		{
			name: "empty to populated",
			old:  map[string]any{},
			new:  map[string]any{"a": map[string]any{"deep": true}},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			patch, err := diff(tc.old, tc.new)
			require.NoError(t, err)

			patchJSON, err := json.Marshal(patch)
			require.NoError(t, err)
			decoded, err := jsonpatch.DecodePatch(patchJSON)
			require.NoError(t, err)

			oldJSON, err := json.Marshal(tc.old)
			require.NoError(t, err)
			applied, err := decoded.Apply(oldJSON)
			require.NoError(t, err)

			var got map[string]any
			require.NoError(t, json.Unmarshal(applied, &got))
			assert.Equal(t, tc.new, got)
		})
	}
}

func TestPropertyKeyDerivation(t *testing.T) {
	tcs := []struct {
		path     string
		expected string
	}{
		{"/temperature", "temperature"},
		{"/a/b/c", "a_b_c"},
		{"/comp/reading", "comp_reading"},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.expected, propertyKey(tc.path))
	}

	// Action mapping follows the patch op.
	ops := map[string]string{"add": "Create", "replace": "Update", "remove": "Delete"}
	for op, action := range ops {
		got, ok := actionForOp(op)
		require.True(t, ok)
		assert.Equal(t, action, got)
	}
	_, ok := actionForOp("test")
	assert.False(t, ok)
}

func TestNestedPropertyEventKey(t *testing.T) {
	f := NewFactory(testSource)
	e := &types.EventData{
		EventType: types.TwinUpdate,
		TableName: "Twin",
		OldValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m1"},
			"comp":      map[string]any{"reading": 1.0},
		},
		NewValue: map[string]any{
			"$dtId":     "twin1",
			"$metadata": map[string]any{"$model": "m1"},
			"comp":      map[string]any{"reading": 2.0},
		},
		Timestamp: testTime,
	}
	out, err := f.Transform(e, DataHistory, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	data := decodeData(t, &out[0])
	assert.Equal(t, "comp_reading", data["key"])
	assert.Equal(t, 2.0, data["value"])
}

func TestDiffOperationOrderIsStable(t *testing.T) {
	old := map[string]any{"b": 1.0, "a": 1.0, "c": 1.0}
	new := map[string]any{"b": 2.0, "a": 2.0, "c": 2.0}

	first, err := diff(old, new)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := diff(old, new)
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Path, again[j].Path)
		}
	}
	var _ jsondiff.Patch = first
}
