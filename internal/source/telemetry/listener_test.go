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

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

func TestParse(t *testing.T) {
	payload := `{
		"digitalTwinId": "room1",
		"messageId": "msg-42",
		"graphName": "digitaltwins",
		"componentName": "thermostat",
		"timestamp": "2026-08-24T12:00:00.5Z",
		"temperature": 21.5
	}`
	e, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "room1", e.Id)
	assert.Equal(t, "digitaltwins", e.GraphName)
	assert.Equal(t, "telemetry", e.TableName)
	assert.Equal(t, types.Telemetry, e.EventType)
	assert.Equal(t,
		time.Date(2026, 8, 24, 12, 0, 0, 500_000_000, time.UTC), e.Timestamp.UTC())
	assert.Equal(t, 21.5, e.NewValue["temperature"])
	assert.Equal(t, "thermostat", e.NewValue["componentName"])
	require.NoError(t, e.Validate())
}

func TestParseDefaultsTimestamp(t *testing.T) {
	before := time.Now()
	e, err := Parse([]byte(`{"digitalTwinId":"t1","messageId":"m1","graphName":"g"}`))
	require.NoError(t, err)
	assert.False(t, e.Timestamp.Before(before))
	assert.False(t, e.Timestamp.After(time.Now()))
}

func TestParseUnparseableTimestampFallsBack(t *testing.T) {
	e, err := Parse([]byte(
		`{"digitalTwinId":"t1","messageId":"m1","graphName":"g","timestamp":"yesterday"}`))
	require.NoError(t, err)
	assert.False(t, e.Timestamp.IsZero())
}

func TestParseRejects(t *testing.T) {
	tcs := []struct {
		name    string
		payload string
	}{
		{"not json", `temperature=21.5`},
		{"not an object", `[1, 2, 3]`},
		{"missing digitalTwinId", `{"messageId":"m1","graphName":"g"}`},
		{"missing messageId", `{"digitalTwinId":"t1","graphName":"g"}`},
		{"missing graphName", `{"digitalTwinId":"t1","messageId":"m1"}`},
		{"non-string digitalTwinId", `{"digitalTwinId":7,"messageId":"m1","graphName":"g"}`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}
