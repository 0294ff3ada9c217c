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

// Package telemetry turns NOTIFY payloads into telemetry events.
// Telemetry does not modify the graph, so it arrives over a listen
// channel instead of the replication stream.
package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// retryDelay spaces reconnection attempts.
const retryDelay = 5 * time.Second

// Config carries the listener settings.
type Config struct {
	// ConnectionString is the DSN for the ordinary (non-replication)
	// listen connection.
	ConnectionString string
	// Channel is the NOTIFY channel to listen on.
	Channel string
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.Channel, "telemetryChannel", "digitaltwins_telemetry",
		"the NOTIFY channel carrying telemetry payloads")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.ConnectionString == "" {
		return errors.New("telemetry connection string must be set")
	}
	if c.Channel == "" {
		return errors.New("telemetryChannel must be set")
	}
	return nil
}

// Listener feeds the event queue from a NOTIFY channel.
type Listener struct {
	cfg     *Config
	queue   types.EventQueue
	healthy atomic.Bool
}

// NewListener constructs a Listener.
func NewListener(cfg *Config, queue types.EventQueue) *Listener {
	return &Listener{cfg: cfg, queue: queue}
}

// IsHealthy reports whether LISTEN is currently established.
func (l *Listener) IsHealthy() bool { return l.healthy.Load() }

// Run listens until the context is canceled, reconnecting after any
// connection loss.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		l.healthy.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warn("telemetry listener disconnected; reconnecting")
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.cfg.ConnectionString)
	if err != nil {
		return errors.Wrap(err, "could not open listen connection")
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.cfg.Channel}.Sanitize()); err != nil {
		return errors.Wrapf(err, "could not listen on %s", l.cfg.Channel)
	}
	l.healthy.Store(true)
	log.WithField("channel", l.cfg.Channel).Info("telemetry listener started")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "could not wait for notification")
		}
		e, err := Parse([]byte(notification.Payload))
		if err != nil {
			invalidCount.Inc()
			log.WithError(err).Warn("dropping invalid telemetry payload")
			continue
		}
		if err := l.queue.Enqueue(ctx, e); err != nil {
			log.WithError(err).WithField("twin", e.Id).
				Warn("could not enqueue telemetry event")
			continue
		}
		receivedCount.Inc()
	}
}

// Parse validates a notification payload and wraps it as an event.
func Parse(payload []byte) (*types.EventData, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "payload is not a JSON object")
	}
	twinID, _ := doc["digitalTwinId"].(string)
	if twinID == "" {
		return nil, errors.New("payload missing digitalTwinId")
	}
	messageID, _ := doc["messageId"].(string)
	if messageID == "" {
		return nil, errors.New("payload missing messageId")
	}
	graphName, _ := doc["graphName"].(string)
	if graphName == "" {
		return nil, errors.New("payload missing graphName")
	}

	ts := time.Now()
	if raw, ok := doc["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed
		} else {
			log.WithField("timestamp", raw).
				Debug("unparseable telemetry timestamp; using server clock")
		}
	}

	return &types.EventData{
		Id:        twinID,
		GraphName: graphName,
		TableName: "telemetry",
		NewValue:  doc,
		EventType: types.Telemetry,
		Timestamp: ts,
	}, nil
}
