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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/queue"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/jobs"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/source/replication"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/source/telemetry"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/target/dlq"
)

// Config contains the user-visible configuration for running the
// event router.
type Config struct {
	Replication replication.Config
	Telemetry   telemetry.Config
	DLQ         dlq.Config
	Jobs        jobs.Config

	// BindAddr serves the metrics and health endpoints.
	BindAddr string
	// SinkConfigPath names the JSON file declaring sinks and routes.
	SinkConfigPath string
	// EventSource is the CloudEvents source attribute stamped on every
	// emitted event.
	EventSource string
	// QueueCapacity bounds the source-to-router queue.
	QueueCapacity int
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Replication.Bind(flags)
	c.Telemetry.Bind(flags)
	c.DLQ.Bind(flags)
	c.Jobs.Bind(flags)

	flags.StringVar(
		&c.BindAddr,
		"bindAddr",
		":8080",
		"the network address serving metrics and health")
	flags.StringVar(
		&c.SinkConfigPath,
		"sinkConfig",
		"",
		"a path to the JSON file declaring event sinks and routes")
	flags.StringVar(
		&c.EventSource,
		"eventSource",
		"",
		"the CloudEvents source attribute; defaults to the source database host")
	flags.IntVar(
		&c.QueueCapacity,
		"queueCapacity",
		queue.DefaultCapacity,
		"the maximum number of events buffered between the sources and the router")
}

// Preflight validates the configuration and fills in derived values.
func (c *Config) Preflight() error {
	if err := c.Replication.Preflight(); err != nil {
		return err
	}
	// The listener shares the source database; it only needs an
	// ordinary connection.
	if c.Telemetry.ConnectionString == "" {
		c.Telemetry.ConnectionString = c.Replication.ConnectionString
	}
	if err := c.Telemetry.Preflight(); err != nil {
		return err
	}
	if err := c.DLQ.Preflight(); err != nil {
		return err
	}
	if err := c.Jobs.Preflight(); err != nil {
		return err
	}

	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	if c.SinkConfigPath == "" {
		return errors.New("sinkConfig must be set")
	}
	if c.EventSource == "" {
		// Fall back to the source database's host, in URI form.
		pg, err := pgconn.ParseConfig(c.Replication.ConnectionString)
		if err != nil || pg.Host == "" {
			return errors.New(
				"eventSource must be set; no host could be derived from sourceConn")
		}
		c.EventSource = "postgresql://" + pg.Host
	}
	if c.QueueCapacity <= 0 {
		return errors.New("queueCapacity must be positive")
	}
	return nil
}
