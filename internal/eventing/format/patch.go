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

	"github.com/pkg/errors"
	"github.com/wI2L/jsondiff"
)

// diff computes an RFC 6902 patch from old to new. Operations come
// out in deterministic (sorted-key traversal) order.
func diff(old, new map[string]any) (jsondiff.Patch, error) {
	if old == nil {
		old = map[string]any{}
	}
	if new == nil {
		new = map[string]any{}
	}
	patch, err := jsondiff.Compare(old, new)
	return patch, errors.WithStack(err)
}

// propertyKey derives the flattened property key from a patch path:
// the leading slash is stripped and the remaining separators become
// underscores, so /a/b/c yields a_b_c.
func propertyKey(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

// actionForOp maps a patch operation to a property-event action.
func actionForOp(op string) (string, bool) {
	switch op {
	case "add":
		return "Create", true
	case "replace":
		return "Update", true
	case "remove":
		return "Delete", true
	}
	return "", false
}

// opValue returns the value of the first operation at the given path,
// if any.
func opValue(patch jsondiff.Patch, path string) (any, bool) {
	for _, op := range patch {
		if op.Path == path {
			return op.Value, true
		}
	}
	return nil, false
}

// hasOp reports whether the patch contains an operation at the path.
func hasOp(patch jsondiff.Patch, path string) bool {
	_, ok := opValue(patch, path)
	return ok
}

// pointerGet resolves a JSON-pointer-style path against a decoded
// object tree.
func pointerGet(root map[string]any, path string) (any, bool) {
	if path == "" || path[0] != '/' {
		return nil, false
	}
	var cur any = root
	for _, token := range strings.Split(path[1:], "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[token]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
