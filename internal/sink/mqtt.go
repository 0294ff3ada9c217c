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
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudevents/sdk-go/v2/event"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/oauthcreds"
)

// defaultMQTTPort is used when the options omit a port.
const defaultMQTTPort = 1883

// MQTT publishes each CloudEvent in structured content mode as the
// message payload, at QoS 1. The client reconnects automatically; a
// configured OAuth credential is consulted again on every (re)connect
// so the broker always sees a fresh token as the password.
type MQTT struct {
	health
	name   string
	topic  string
	client mqtt.Client
}

var _ types.Sink = (*MQTT)(nil)

// NewMQTT connects a client for the options.
func NewMQTT(ctx context.Context, name string, opts *MQTTOptions) (*MQTT, error) {
	port := opts.Port
	if port == 0 {
		port = defaultMQTTPort
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "digitaltwins-" + uuid.NewString()[:8]
	}

	m := &MQTT{name: name, topic: opts.Topic}
	co := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, port)).
		SetClientID(clientID).
		SetProtocolVersion(protocolVersion(opts.ProtocolVersion)).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	co.OnConnect = func(mqtt.Client) {
		m.setHealthy(true)
		log.WithField("sink", name).Info("mqtt sink connected")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setHealthy(false)
		log.WithError(err).WithField("sink", name).Warn("mqtt connection lost")
	}

	if opts.OAuth.Enabled() {
		ts := opts.OAuth.TokenSource(ctx)
		co.SetCredentialsProvider(func() (string, string) {
			tok, err := oauthcreds.AccessToken(ts)
			if err != nil {
				log.WithError(err).WithField("sink", name).
					Error("could not refresh broker token")
				return opts.Username, ""
			}
			return opts.Username, tok
		})
	} else {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	m.client = mqtt.NewClient(co)
	if err := wait(ctx, m.client.Connect()); err != nil {
		return nil, errors.Wrapf(err, "could not connect to broker %s", opts.Host)
	}
	return m, nil
}

// protocolVersion maps the configuration string to the paho protocol
// constant. The client speaks 3.1 and 3.1.1; a 5.0.0 request is
// served at 3.1.1, the highest version the transport offers.
func protocolVersion(s string) uint {
	if s == "3.1.0" {
		return 3
	}
	return 4
}

// Name implements types.Sink.
func (m *MQTT) Name() string { return m.name }

// SendBatch implements types.Sink.
func (m *MQTT) SendBatch(ctx context.Context, events []event.Event) error {
	for i := range events {
		payload, err := json.Marshal(&events[i])
		if err != nil {
			return errors.Wrap(err, "could not encode event")
		}
		if err := wait(ctx, m.client.Publish(m.topic, 1, false, payload)); err != nil {
			m.setHealthy(false)
			return errors.Wrapf(err, "could not publish to %s", m.topic)
		}
	}
	m.setHealthy(true)
	return nil
}

// Close implements types.Sink.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	m.setHealthy(false)
	return nil
}

// wait blocks on a paho token, honoring context cancellation.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
