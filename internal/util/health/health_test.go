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

package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	assert.True(t, NewRegistry().Healthy())
}

func TestRegistryAggregates(t *testing.T) {
	r := NewRegistry()
	up := true
	r.Register("decoder", func() bool { return true })
	r.Register("kafka", func() bool { return up })

	assert.True(t, r.Healthy())
	up = false
	assert.False(t, r.Healthy())
	assert.Equal(t, map[string]bool{"decoder": true, "kafka": false}, r.Report())
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	up := true
	r.Register("listener", func() bool { return up })

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	get := func() (int, map[string]any) {
		resp, err := srv.Client().Get(srv.URL)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get()
	assert.Equal(t, 200, code)
	assert.Equal(t, true, body["healthy"])

	up = false
	code, body = get()
	assert.Equal(t, 503, code)
	assert.Equal(t, false, body["healthy"])
}
