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

// Package format transforms EventData records into CloudEvents under
// the supported output shapes. The factory is pure: given the same
// inputs it produces the same events, except for the per-event UUID.
package format

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Format selects the shape family of CloudEvents produced for a
// route.
type Format string

// The supported output formats.
const (
	// EventNotification emits exactly one CloudEvent per input, with
	// updates encoded as JSON-Patch documents.
	EventNotification Format = "EventNotification"

	// DataHistory decomposes each input into a lifecycle CloudEvent
	// plus one CloudEvent per changed user property.
	DataHistory Format = "DataHistory"

	// Telemetry passes the telemetry payload through unchanged.
	Telemetry Format = "Telemetry"
)

// ParseFormat converts a configuration string into a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case EventNotification, DataHistory, Telemetry:
		return Format(s), nil
	}
	return "", errors.Errorf("unknown event format %q", s)
}

// Kind is the sink-facing enum that keys per-sink type-string
// overrides.
type Kind string

// The sink-facing event kinds.
const (
	KindTwinCreate            Kind = "TwinCreate"
	KindTwinUpdate            Kind = "TwinUpdate"
	KindTwinDelete            Kind = "TwinDelete"
	KindRelationshipCreate    Kind = "RelationshipCreate"
	KindRelationshipUpdate    Kind = "RelationshipUpdate"
	KindRelationshipDelete    Kind = "RelationshipDelete"
	KindTwinLifecycle         Kind = "TwinLifecycle"
	KindRelationshipLifecycle Kind = "RelationshipLifecycle"
	KindPropertyEvent         Kind = "PropertyEvent"
	KindTelemetry             Kind = "Telemetry"
)

// defaultTypes are the wire type strings used when a sink carries no
// override for a kind.
var defaultTypes = map[Kind]string{
	KindTwinCreate:            "Konnektr.DigitalTwins.Twin.Create",
	KindTwinUpdate:            "Konnektr.DigitalTwins.Twin.Update",
	KindTwinDelete:            "Konnektr.DigitalTwins.Twin.Delete",
	KindRelationshipCreate:    "Konnektr.DigitalTwins.Relationship.Create",
	KindRelationshipUpdate:    "Konnektr.DigitalTwins.Relationship.Update",
	KindRelationshipDelete:    "Konnektr.DigitalTwins.Relationship.Delete",
	KindTwinLifecycle:         "Konnektr.DigitalTwins.Twin.Lifecycle",
	KindRelationshipLifecycle: "Konnektr.DigitalTwins.Relationship.Lifecycle",
	KindPropertyEvent:         "Konnektr.DigitalTwins.Property.Event",
	KindTelemetry:             "Konnektr.DigitalTwins.Telemetry",
}

// TypeMap resolves sink-facing kinds to wire type strings, applying
// per-sink overrides over the defaults. A nil TypeMap is valid and
// resolves to the defaults.
type TypeMap map[Kind]string

// NewTypeMap validates a configuration-sourced override map. The keys
// must be known sink-facing kinds. A nil or empty input yields a nil
// TypeMap.
func NewTypeMap(overrides map[string]string) (TypeMap, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	m := make(TypeMap, len(overrides))
	for k, v := range overrides {
		kind := Kind(k)
		if _, ok := defaultTypes[kind]; !ok {
			return nil, errors.Errorf("unknown event kind %q in typeMappings", k)
		}
		m[kind] = v
	}
	return m, nil
}

// Resolve returns the wire type string for a kind.
func (m TypeMap) Resolve(kind Kind) string {
	if m != nil {
		if t, ok := m[kind]; ok && t != "" {
			return t
		}
	}
	return defaultTypes[kind]
}

// InvalidEventDataError is returned when an EventData cannot be
// transformed under the requested format. It is never retried; the
// route is skipped.
type InvalidEventDataError struct {
	Reason string
}

func (e *InvalidEventDataError) Error() string {
	return "invalid event data: " + e.Reason
}

// IsInvalidEventData returns the error if it represents untransformable
// event data.
func IsInvalidEventData(err error) (invalid *InvalidEventDataError, ok bool) {
	return invalid, errors.As(err, &invalid)
}

func invalidf(format string, args ...any) error {
	return errors.WithStack(&InvalidEventDataError{Reason: errors.Errorf(format, args...).Error()})
}

// newEvent assembles a CloudEvents-1.0 envelope with a fresh UUIDv4
// id and JSON data.
func newEvent(source, typ, subject string, ts time.Time, data any) (event.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(typ)
	e.SetSubject(subject)
	e.SetTime(ts)
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return event.Event{}, errors.Wrap(err, "could not encode event data")
	}
	return e, nil
}
