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
	"crypto/tls"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/oauthcreds"
)

// Kafka delivers CloudEvents as binary-mode Kafka records: the
// envelope attributes travel as ce_-prefixed headers and the data
// bytes become the record value. The record key is the event subject,
// so events for one twin land on one partition.
type Kafka struct {
	health
	name   string
	topic  string
	client *kgo.Client
}

var _ types.Sink = (*Kafka)(nil)

// NewKafka connects a producer for the options. The connection is
// verified eagerly so that misconfiguration surfaces at startup.
func NewKafka(ctx context.Context, name string, opts *KafkaOptions) (*Kafka, error) {
	clientOpts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.DefaultProduceTopic(opts.Topic),
		kgo.ProducerBatchMaxBytes(64 * 1024),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.RequestRetries(5),
	}
	if opts.SecurityProtocol == SecuritySaslSsl {
		clientOpts = append(clientOpts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	switch opts.SaslMechanism {
	case SaslPlain:
		clientOpts = append(clientOpts, kgo.SASL(plain.Auth{
			User: opts.Username,
			Pass: opts.Password,
		}.AsMechanism()))
	case SaslOAuthBearer:
		ts := opts.oauth().TokenSource(ctx)
		clientOpts = append(clientOpts, kgo.SASL(oauth.Oauth(
			func(context.Context) (oauth.Auth, error) {
				tok, err := oauthcreds.AccessToken(ts)
				if err != nil {
					return oauth.Auth{}, errors.Wrap(err, "could not refresh producer token")
				}
				return oauth.Auth{Token: tok}, nil
			})))
	}

	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create producer for %s", name)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "could not reach brokers for %s", name)
	}
	log.WithFields(log.Fields{
		"sink":  name,
		"topic": opts.Topic,
	}).Info("kafka sink connected")

	k := &Kafka{name: name, topic: opts.Topic, client: client}
	k.setHealthy(true)
	return k, nil
}

// Name implements types.Sink.
func (k *Kafka) Name() string { return k.name }

// SendBatch implements types.Sink.
func (k *Kafka) SendBatch(ctx context.Context, events []event.Event) error {
	recs := make([]*kgo.Record, len(events))
	for i := range events {
		recs[i] = record(&events[i])
	}
	if err := k.client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		k.setHealthy(false)
		return errors.Wrapf(err, "could not produce to %s", k.topic)
	}
	k.setHealthy(true)
	return nil
}

// Close implements types.Sink.
func (k *Kafka) Close() error {
	k.client.Close()
	k.setHealthy(false)
	return nil
}

// record encodes a CloudEvent in Kafka binary content mode.
func record(ev *event.Event) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: "ce_specversion", Value: []byte(ev.SpecVersion())},
		{Key: "ce_id", Value: []byte(ev.ID())},
		{Key: "ce_source", Value: []byte(ev.Source())},
		{Key: "ce_type", Value: []byte(ev.Type())},
		{Key: "content-type", Value: []byte(ev.DataContentType())},
	}
	if subj := ev.Subject(); subj != "" {
		headers = append(headers, kgo.RecordHeader{Key: "ce_subject", Value: []byte(subj)})
	}
	if t := ev.Time(); !t.IsZero() {
		headers = append(headers, kgo.RecordHeader{
			Key: "ce_time", Value: []byte(t.UTC().Format(time.RFC3339Nano)),
		})
	}
	return &kgo.Record{
		Key:     []byte(ev.Subject()),
		Value:   ev.Data(),
		Headers: headers,
	}
}
