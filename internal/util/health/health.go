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

// Package health aggregates component liveness into one readiness
// answer.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Check reports whether one component is currently working.
type Check func() bool

// Registry collects named checks.
type Registry struct {
	mu struct {
		sync.RWMutex
		checks map[string]Check
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.mu.checks = make(map[string]Check)
	return r
}

// Register adds or replaces a named check.
func (r *Registry) Register(name string, c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.checks[name] = c
}

// Report evaluates every check.
func (r *Registry) Report() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make(map[string]bool, len(r.mu.checks))
	for name, c := range r.mu.checks {
		ret[name] = c()
	}
	return ret
}

// Healthy reports whether every registered check passes.
func (r *Registry) Healthy() bool {
	for _, ok := range r.Report() {
		if !ok {
			return false
		}
	}
	return true
}

// Handler serves the report as JSON, with a 503 when any component is
// down.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := r.Report()
		healthy := true
		for _, ok := range report {
			healthy = healthy && ok
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Healthy    bool            `json:"healthy"`
			Components map[string]bool `json:"components"`
		}{healthy, report})
	})
}
