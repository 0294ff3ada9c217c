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

package replication

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config carries the replication-source settings.
type Config struct {
	// ConnectionString is the DSN of the database holding the graph.
	ConnectionString string
	// SlotName is the logical replication slot to create or reuse.
	SlotName string
	// Publication is the publication covering the graph tables.
	Publication string
	// GraphName is the graph whose namespace is decoded; rows from
	// other namespaces are ignored.
	GraphName string
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.ConnectionString, "sourceConn", "",
		"the connection string for the replicated database")
	f.StringVar(&c.SlotName, "slotName", "age_slot",
		"the logical replication slot name")
	f.StringVar(&c.Publication, "publication", "age_pub",
		"the publication covering the graph tables")
	f.StringVar(&c.GraphName, "graphName", "digitaltwins",
		"the property graph to decode")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.ConnectionString == "" {
		return errors.New("sourceConn must be set")
	}
	if c.SlotName == "" {
		return errors.New("slotName must be set")
	}
	if c.Publication == "" {
		return errors.New("publication must be set")
	}
	if c.GraphName == "" {
		return errors.New("graphName must be set")
	}
	return nil
}
