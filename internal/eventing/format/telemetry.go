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

// telemetry implements the Telemetry format: one CloudEvent whose
// data is the telemetry payload, passed through unchanged.
func (f *Factory) telemetry(e *types.EventData, typeMap TypeMap) ([]event.Event, error) {
	if e.EventType != types.Telemetry {
		return nil, invalidf("%s event is not routable as telemetry", e.EventType)
	}
	if err := e.Validate(); err != nil {
		return nil, invalidf("%s", err.Error())
	}
	subject, ok := stringField(e.NewValue, "digitalTwinId")
	if !ok {
		subject = e.Id
	}
	ce, err := newEvent(f.source, typeMap.Resolve(KindTelemetry), subject, e.Timestamp, e.NewValue)
	if err != nil {
		return nil, err
	}
	return []event.Event{ce}, nil
}
