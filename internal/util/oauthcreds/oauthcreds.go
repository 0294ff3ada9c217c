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

// Package oauthcreds wraps the OAuth 2.0 client-credentials grant for
// sinks that authenticate against a token endpoint. Tokens are cached
// until one minute before expiry and refreshed under a single-flight
// lock.
package oauthcreds

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config identifies a client-credentials grant.
type Config struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	Scope         string
}

// Enabled reports whether OAuth is configured at all.
func (c *Config) Enabled() bool {
	return c != nil && c.TokenEndpoint != ""
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if !c.Enabled() {
		return nil
	}
	if c.ClientID == "" {
		return errors.New("oauth clientId unset")
	}
	if c.ClientSecret == "" {
		return errors.New("oauth clientSecret unset")
	}
	return nil
}

// refreshMargin keeps the cached token from being handed out within
// one minute of its expiry.
const refreshMargin = time.Minute

// TokenSource returns a caching token source for the configuration.
// The underlying source posts
// grant_type=client_credentials&client_id=...&client_secret=... as a
// form body; expires_in defaults to 3600 s when the endpoint omits it.
func (c *Config) TokenSource(ctx context.Context) oauth2.TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenEndpoint,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if c.Scope != "" {
		cc.Scopes = []string{c.Scope}
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), refreshMargin)
}

// AccessToken fetches (or reuses) a bearer token.
func AccessToken(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", errors.Wrap(err, "could not obtain access token")
	}
	return tok.AccessToken, nil
}
