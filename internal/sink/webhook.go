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
	"io"
	"net/http"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/oauthcreds"
)

// Content types for structured CloudEvents over HTTP.
const (
	contentTypeEvent = "application/cloudevents+json"
	contentTypeBatch = "application/cloudevents-batch+json"
)

// Webhook POSTs structured-mode CloudEvents to a fixed URL, one
// request per event, or one request per batch when the target accepts
// the batch content type. Transient HTTP failures (5xx, connection
// resets) are retried by the underlying client before the resilient
// wrapper's own policy kicks in.
type Webhook struct {
	health
	name string
	opts *WebhookOptions

	client *retryablehttp.Client
	tokens oauth2.TokenSource
}

var _ types.Sink = (*Webhook)(nil)

// NewWebhook constructs the sink. The connection is lazy; the first
// send reveals an unreachable target.
func NewWebhook(ctx context.Context, name string, opts *WebhookOptions) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	w := &Webhook{name: name, opts: opts, client: client}
	if opts.AuthType == AuthOAuth {
		w.tokens = opts.OAuth.TokenSource(ctx)
	}
	w.setHealthy(true)
	return w
}

// Name implements types.Sink.
func (w *Webhook) Name() string { return w.name }

// SendBatch implements types.Sink.
func (w *Webhook) SendBatch(ctx context.Context, events []event.Event) error {
	var err error
	if w.opts.BatchMode {
		err = w.post(ctx, contentTypeBatch, events)
	} else {
		for i := range events {
			if err = w.post(ctx, contentTypeEvent, &events[i]); err != nil {
				break
			}
		}
	}
	w.setHealthy(err == nil)
	return err
}

// post encodes the payload and issues one authenticated request.
func (w *Webhook) post(ctx context.Context, contentType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "could not encode payload")
	}
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", contentType)
	if err := w.authorize(req); err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not post to %s", w.opts.URL)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"sink":   w.name,
			"status": resp.StatusCode,
		}).Warn("webhook rejected delivery")
		return errors.Errorf("webhook %s returned status %d", w.opts.URL, resp.StatusCode)
	}
	return nil
}

// authorize attaches the configured Authorization header.
func (w *Webhook) authorize(req *retryablehttp.Request) error {
	switch w.opts.AuthType {
	case AuthBasic:
		req.SetBasicAuth(w.opts.Username, w.opts.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+w.opts.Token)
	case AuthOAuth:
		tok, err := oauthcreds.AccessToken(w.tokens)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// Close implements types.Sink.
func (w *Webhook) Close() error {
	w.client.HTTPClient.CloseIdleConnections()
	w.setHealthy(false)
	return nil
}
