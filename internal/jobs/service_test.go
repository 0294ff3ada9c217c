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

package jobs

import (
	"regexp"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDFormat(t *testing.T) {
	id := instanceID()
	assert.Regexp(t, regexp.MustCompile(`^.+-\d+-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, instanceID(), "each call produces a distinct identity")
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{
		StatusCancelled, StatusSucceeded, StatusPartiallySucceeded, StatusFailed,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusNotStarted, StatusRunning, StatusCancelling} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Bind(pflag.NewFlagSet("test", pflag.ContinueOnError))
	require.NoError(t, cfg.Preflight())
	assert.Equal(t, "digitaltwins_jobs", cfg.Schema)
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, time.Minute, cfg.ResumeInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.PurgeAfter)
}

func TestConfigPreflight(t *testing.T) {
	tcs := []struct {
		name   string
		tweak  func(*Config)
		errLike string
	}{
		{"missing schema", func(c *Config) { c.Schema = "" }, "jobsSchema"},
		{"tiny lease", func(c *Config) { c.LeaseDuration = time.Millisecond }, "jobLeaseDuration"},
		{"zero purge", func(c *Config) { c.PurgeAfter = 0 }, "jobPurgeAfter"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Bind(pflag.NewFlagSet("test", pflag.ContinueOnError))
			tc.tweak(cfg)
			err := cfg.Preflight()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errLike)
		})
	}
}
