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

// Package agtype decodes the textual representation of the graph
// extension's agtype values as they appear on the logical replication
// stream. An agtype map prints as a JSON object, optionally followed
// by a ::type annotation (e.g. ::vertex) that must be stripped before
// unmarshalling.
package agtype

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ParseMap decodes an agtype map column into a string-keyed map.
// A SQL NULL (empty input or the literal "null") yields a nil map and
// no error.
func ParseMap(raw []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return nil, nil
	}
	text = stripAnnotation(text)
	if !strings.HasPrefix(text, "{") {
		return nil, errors.Errorf("agtype value is not a map: %.40s", text)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, errors.Wrap(err, "could not decode agtype map")
	}
	return out, nil
}

// stripAnnotation removes a trailing ::name cast from the textual
// form. Annotations never appear inside the JSON body at top level, so
// scanning from the rear is sufficient.
func stripAnnotation(text string) string {
	idx := strings.LastIndex(text, "::")
	if idx < 0 {
		return text
	}
	// Only strip when everything after the marker is an identifier;
	// a quoted string could legitimately end with ::something.
	suffix := text[idx+2:]
	for _, r := range suffix {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return text
		}
	}
	end := strings.TrimSpace(text[:idx])
	if strings.HasSuffix(end, "}") || strings.HasSuffix(end, "]") || strings.HasSuffix(end, `"`) {
		return end
	}
	return text
}
