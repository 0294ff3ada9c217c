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

// Package sink contains the downstream delivery targets for
// CloudEvents and the resilience wrapper that interposes on them.
package sink

import (
	"sync"
	"sync/atomic"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// DefaultBatchSize is the largest batch a sink accepts by default.
const DefaultBatchSize = 50

// health is a tiny embeddable health flag, updated on every send.
type health struct {
	ok atomic.Bool
}

func (h *health) IsHealthy() bool { return h.ok.Load() }

func (h *health) setHealthy(ok bool) { h.ok.Store(ok) }

// Registry resolves sink names for the router and the DLQ re-drive
// sweep.
type Registry struct {
	mu struct {
		sync.RWMutex
		sinks map[string]types.Sink
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.mu.sinks = make(map[string]types.Sink)
	return r
}

// Add registers a sink under its name. The last registration for a
// name wins.
func (r *Registry) Add(s types.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.sinks[s.Name()] = s
}

// Get returns the named sink.
func (r *Registry) Get(name string) (types.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.mu.sinks[name]
	return s, ok
}

// Range calls fn for every registered sink.
func (r *Registry) Range(fn func(types.Sink)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.mu.sinks {
		fn(s)
	}
}

// CloseAll closes every registered sink, retaining the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.mu.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
