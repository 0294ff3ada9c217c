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

package server

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bound(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Bind(pflag.NewFlagSet("test", pflag.ContinueOnError))
	cfg.Replication.ConnectionString = "postgres://localhost:5432/twins"
	cfg.SinkConfigPath = "/etc/router/sinks.json"
	cfg.EventSource = "my-instance.example.com"
	return cfg
}

func TestPreflightFillsTelemetryConn(t *testing.T) {
	cfg := bound(t)
	require.NoError(t, cfg.Preflight())
	assert.Equal(t, cfg.Replication.ConnectionString, cfg.Telemetry.ConnectionString)
	assert.Equal(t, ":8080", cfg.BindAddr)
}

func TestPreflightErrors(t *testing.T) {
	tcs := []struct {
		name  string
		tweak func(*Config)
	}{
		{"missing source conn", func(c *Config) { c.Replication.ConnectionString = "" }},
		{"missing sink config", func(c *Config) { c.SinkConfigPath = "" }},
		{"underivable event source", func(c *Config) {
			c.EventSource = ""
			c.Replication.ConnectionString = "postgres://user@%zz/twins"
		}},
		{"missing bind addr", func(c *Config) { c.BindAddr = "" }},
		{"bad queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := bound(t)
			tc.tweak(cfg)
			assert.Error(t, cfg.Preflight())
		})
	}
}

func TestPreflightDerivesEventSource(t *testing.T) {
	cfg := bound(t)
	cfg.EventSource = ""
	require.NoError(t, cfg.Preflight())
	assert.Equal(t, "postgresql://localhost", cfg.EventSource)
}

func TestExplicitEventSourceKept(t *testing.T) {
	cfg := bound(t)
	require.NoError(t, cfg.Preflight())
	assert.Equal(t, "my-instance.example.com", cfg.EventSource)
}

func TestExplicitTelemetryConnKept(t *testing.T) {
	cfg := bound(t)
	cfg.Telemetry.ConnectionString = "postgres://replica:5432/twins"
	require.NoError(t, cfg.Preflight())
	assert.Equal(t, "postgres://replica:5432/twins", cfg.Telemetry.ConnectionString)
}
