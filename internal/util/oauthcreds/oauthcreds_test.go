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

package oauthcreds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSource(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "client-1", r.Form.Get("client_id"))
		assert.Equal(t, "hunter2", r.Form.Get("client_secret"))
		assert.Equal(t, "events.publish", r.Form.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-abc","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	cfg := &Config{
		TokenEndpoint: srv.URL,
		ClientID:      "client-1",
		ClientSecret:  "hunter2",
		Scope:         "events.publish",
	}
	require.NoError(t, cfg.Preflight())

	ts := cfg.TokenSource(context.Background())
	tok, err := AccessToken(ts)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)

	// A fresh token is served from the cache.
	for i := 0; i < 5; i++ {
		tok, err = AccessToken(ts)
		require.NoError(t, err)
		assert.Equal(t, "tok-abc", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPreflight(t *testing.T) {
	assert.NoError(t, (&Config{}).Preflight())
	assert.Error(t, (&Config{TokenEndpoint: "https://x", ClientSecret: "s"}).Preflight())
	assert.Error(t, (&Config{TokenEndpoint: "https://x", ClientID: "c"}).Preflight())
	assert.NoError(t, (&Config{TokenEndpoint: "https://x", ClientID: "c", ClientSecret: "s"}).Preflight())
}

func TestTokenEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := &Config{TokenEndpoint: srv.URL, ClientID: "c", ClientSecret: "s"}
	_, err := AccessToken(cfg.TokenSource(context.Background()))
	require.Error(t, err)
}
