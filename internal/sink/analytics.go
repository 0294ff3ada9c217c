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

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/oauthcreds"
)

// Analytics streams CloudEvents into an analytics database through its
// REST ingestion endpoint. Incoming events are grouped by type; each
// group is posted as newline-delimited JSON to the table configured
// for that type. Events whose type has no table are skipped.
type Analytics struct {
	health
	name string
	opts *AnalyticsOptions

	client *retryablehttp.Client
	tokens oauth2.TokenSource
}

var _ types.Sink = (*Analytics)(nil)

// NewAnalytics constructs the sink. Connection is lazy.
func NewAnalytics(ctx context.Context, name string, opts *AnalyticsOptions) *Analytics {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	a := &Analytics{name: name, opts: opts, client: client}
	if opts.OAuth.Enabled() {
		a.tokens = opts.OAuth.TokenSource(ctx)
	}
	a.setHealthy(true)
	return a
}

// Name implements types.Sink.
func (a *Analytics) Name() string { return a.name }

// SendBatch implements types.Sink.
func (a *Analytics) SendBatch(ctx context.Context, events []event.Event) error {
	groups := make(map[string][]*event.Event)
	order := make([]string, 0, 4)
	for i := range events {
		typ := events[i].Type()
		if _, ok := groups[typ]; !ok {
			order = append(order, typ)
		}
		groups[typ] = append(groups[typ], &events[i])
	}

	var err error
	for _, typ := range order {
		table, ok := a.opts.Tables[typ]
		if !ok {
			log.WithFields(log.Fields{
				"sink": a.name,
				"type": typ,
			}).Debug("no table for event type; skipping")
			continue
		}
		if err = a.ingest(ctx, table, groups[typ]); err != nil {
			break
		}
	}
	a.setHealthy(err == nil)
	return err
}

// ingest posts one ND-JSON group to its table.
func (a *Analytics) ingest(ctx context.Context, table string, group []*event.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range group {
		row, err := a.row(ev)
		if err != nil {
			return err
		}
		if err := enc.Encode(row); err != nil {
			return errors.Wrap(err, "could not encode ingestion row")
		}
	}

	endpoint := fmt.Sprintf("%s/v1/rest/ingest/%s/%s?streamFormat=json",
		strings.TrimSuffix(a.opts.IngestionURI, "/"),
		url.PathEscape(a.opts.Database), url.PathEscape(table))
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if a.tokens != nil {
		tok, err := oauthcreds.AccessToken(a.tokens)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not ingest into %s", table)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("ingestion into %s returned status %d", table, resp.StatusCode)
	}
	return nil
}

// row projects one event into an ingestion row. With a configured
// path-to-column mapping, each column is filled from the given JSON
// pointer; otherwise the raw event data is the row.
func (a *Analytics) row(ev *event.Event) (any, error) {
	var doc map[string]any
	if err := json.Unmarshal(ev.Data(), &doc); err != nil {
		return nil, errors.Wrapf(err, "event %s carries non-object data", ev.ID())
	}
	if len(a.opts.Mapping) == 0 {
		return doc, nil
	}
	envelope := map[string]any{
		"id":      ev.ID(),
		"type":    ev.Type(),
		"subject": ev.Subject(),
		"time":    ev.Time().UTC().Format(time.RFC3339Nano),
		"data":    doc,
	}
	row := make(map[string]any, len(a.opts.Mapping))
	for path, column := range a.opts.Mapping {
		if v, ok := jsonPointer(envelope, path); ok {
			row[column] = v
		}
	}
	return row, nil
}

// jsonPointer resolves an RFC 6901 pointer against a decoded document.
func jsonPointer(doc any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return doc, true
	}
	current := doc
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return current, true
}

// Close implements types.Sink.
func (a *Analytics) Close() error {
	a.client.HTTPClient.CloseIdleConnections()
	a.setHealthy(false)
	return nil
}
