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
	"os"

	"github.com/pkg/errors"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/format"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/oauthcreds"
)

// Kind discriminates the sink implementations.
type Kind string

// The supported sink kinds.
const (
	KindKafka     Kind = "Kafka"
	KindMQTT      Kind = "Mqtt"
	KindWebhook   Kind = "Webhook"
	KindAnalytics Kind = "Analytics"
)

// SecurityProtocol selects the Kafka transport security.
type SecurityProtocol string

// The supported Kafka security protocols.
const (
	SecurityPlaintext SecurityProtocol = "Plaintext"
	SecuritySaslSsl   SecurityProtocol = "SaslSsl"
)

// SaslMechanism selects the Kafka SASL mechanism.
type SaslMechanism string

// The supported SASL mechanisms.
const (
	SaslPlain       SaslMechanism = "Plain"
	SaslOAuthBearer SaslMechanism = "OAuthBearer"
)

// AuthType selects the webhook authentication scheme.
type AuthType string

// The supported webhook authentication schemes.
const (
	AuthNone   AuthType = "None"
	AuthBasic  AuthType = "Basic"
	AuthBearer AuthType = "Bearer"
	AuthOAuth  AuthType = "OAuth"
)

// SinkSpec is the configuration record for a single sink. Kind selects
// which of the option blocks is consulted.
type SinkSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Per-sink overrides of the default CloudEvent type strings.
	TypeMappings map[string]string `json:"typeMappings,omitempty"`

	Kafka     *KafkaOptions     `json:"kafka,omitempty"`
	MQTT      *MQTTOptions      `json:"mqtt,omitempty"`
	Webhook   *WebhookOptions   `json:"webhook,omitempty"`
	Analytics *AnalyticsOptions `json:"analytics,omitempty"`
}

// KafkaOptions configures a Kafka sink.
type KafkaOptions struct {
	Brokers          []string          `json:"brokers"`
	Topic            string            `json:"topic"`
	SecurityProtocol SecurityProtocol  `json:"securityProtocol,omitempty"`
	SaslMechanism    SaslMechanism     `json:"saslMechanism,omitempty"`
	Username         string            `json:"username,omitempty"`
	Password         string            `json:"password,omitempty"`
	TenantID         string            `json:"tenantId,omitempty"`
	OAuth            oauthcreds.Config `json:"oauth,omitempty"`
}

// MQTTOptions configures an MQTT sink.
type MQTTOptions struct {
	Host            string            `json:"host"`
	Port            int               `json:"port,omitempty"`
	ClientID        string            `json:"clientId,omitempty"`
	Topic           string            `json:"topic"`
	ProtocolVersion string            `json:"protocolVersion,omitempty"`
	Username        string            `json:"username,omitempty"`
	Password        string            `json:"password,omitempty"`
	OAuth           oauthcreds.Config `json:"oauth,omitempty"`
}

// WebhookOptions configures a webhook sink.
type WebhookOptions struct {
	URL      string            `json:"url"`
	AuthType AuthType          `json:"authType,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Token    string            `json:"token,omitempty"`
	OAuth    oauthcreds.Config `json:"oauth,omitempty"`
	// BatchMode posts whole batches as application/cloudevents-batch+json
	// instead of one request per event.
	BatchMode bool `json:"batchMode,omitempty"`
}

// AnalyticsOptions configures an analytics-ingestion sink.
type AnalyticsOptions struct {
	IngestionURI string `json:"ingestionUri"`
	Database     string `json:"database"`
	// Tables maps a CloudEvent type string to its destination table.
	Tables map[string]string `json:"tables"`
	// Mapping maps a JSON path within the event data to a column name.
	Mapping map[string]string `json:"mapping,omitempty"`
	OAuth   oauthcreds.Config `json:"oauth,omitempty"`
}

// Route binds a sink to an event format.
type Route struct {
	SinkName     string            `json:"sinkName"`
	EventFormat  string            `json:"eventFormat"`
	TypeMappings map[string]string `json:"typeMappings,omitempty"`
}

// Format resolves the route's format enum.
func (r *Route) Format() (format.Format, error) {
	return format.ParseFormat(r.EventFormat)
}

// Config is the deserialized sink-and-route configuration file.
type Config struct {
	Sinks  []SinkSpec `json:"eventSinks"`
	Routes []Route    `json:"eventRoutes"`
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read sink configuration %s", path)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse sink configuration %s", path)
	}
	return cfg, nil
}

// Preflight validates the configuration before any sink is built.
func (c *Config) Preflight() error {
	seen := make(map[string]struct{}, len(c.Sinks))
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if s.Name == "" {
			return errors.Errorf("sink %d: name unset", i)
		}
		if _, dup := seen[s.Name]; dup {
			return errors.Errorf("sink %s: duplicate name", s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.preflight(); err != nil {
			return errors.Wrapf(err, "sink %s", s.Name)
		}
		if _, err := s.TypeMap(); err != nil {
			return errors.Wrapf(err, "sink %s", s.Name)
		}
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if _, ok := seen[r.SinkName]; !ok {
			return errors.Errorf("route %d: unknown sink %q", i, r.SinkName)
		}
		if _, err := r.Format(); err != nil {
			return errors.Wrapf(err, "route %d", i)
		}
		if _, err := format.NewTypeMap(r.TypeMappings); err != nil {
			return errors.Wrapf(err, "route %d", i)
		}
	}
	return nil
}

func (s *SinkSpec) preflight() error {
	switch s.Kind {
	case KindKafka:
		o := s.Kafka
		if o == nil {
			return errors.New("kafka options unset")
		}
		if len(o.Brokers) == 0 {
			return errors.New("no brokers configured")
		}
		if o.Topic == "" {
			return errors.New("topic unset")
		}
		switch o.SecurityProtocol {
		case "", SecurityPlaintext, SecuritySaslSsl:
		default:
			return errors.Errorf("unknown securityProtocol %q", o.SecurityProtocol)
		}
		switch o.SaslMechanism {
		case "", SaslPlain:
		case SaslOAuthBearer:
			if !o.oauth().Enabled() {
				return errors.New("OAuthBearer requires oauth credentials")
			}
		default:
			return errors.Errorf("unknown saslMechanism %q", o.SaslMechanism)
		}
		return o.OAuth.Preflight()
	case KindMQTT:
		o := s.MQTT
		if o == nil {
			return errors.New("mqtt options unset")
		}
		if o.Host == "" {
			return errors.New("host unset")
		}
		if o.Topic == "" {
			return errors.New("topic unset")
		}
		switch o.ProtocolVersion {
		case "", "3.1.0", "3.1.1", "5.0.0":
		default:
			return errors.Errorf("unknown protocolVersion %q", o.ProtocolVersion)
		}
		return o.OAuth.Preflight()
	case KindWebhook:
		o := s.Webhook
		if o == nil {
			return errors.New("webhook options unset")
		}
		if o.URL == "" {
			return errors.New("url unset")
		}
		switch o.AuthType {
		case "", AuthNone:
		case AuthBasic:
			if o.Username == "" {
				return errors.New("basic auth requires a username")
			}
		case AuthBearer:
			if o.Token == "" {
				return errors.New("bearer auth requires a token")
			}
		case AuthOAuth:
			if !o.OAuth.Enabled() {
				return errors.New("oauth auth requires oauth credentials")
			}
		default:
			return errors.Errorf("unknown authType %q", o.AuthType)
		}
		return o.OAuth.Preflight()
	case KindAnalytics:
		o := s.Analytics
		if o == nil {
			return errors.New("analytics options unset")
		}
		if o.IngestionURI == "" {
			return errors.New("ingestionUri unset")
		}
		if o.Database == "" {
			return errors.New("database unset")
		}
		if len(o.Tables) == 0 {
			return errors.New("no tables configured")
		}
		return o.OAuth.Preflight()
	default:
		return errors.Errorf("unknown sink kind %q", s.Kind)
	}
}

// TypeMap converts the per-sink type overrides into a resolver.
func (s *SinkSpec) TypeMap() (format.TypeMap, error) {
	return format.NewTypeMap(s.TypeMappings)
}

// oauth resolves the effective OAuth config, deriving the Azure AD v2
// token endpoint from tenantId when no explicit endpoint is set.
func (o *KafkaOptions) oauth() *oauthcreds.Config {
	cfg := o.OAuth
	if cfg.TokenEndpoint == "" && o.TenantID != "" {
		cfg.TokenEndpoint = fmt.Sprintf(
			"https://login.microsoftonline.com/%s/oauth2/v2.0/token", o.TenantID)
	}
	return &cfg
}

// Build constructs the concrete sink for the spec.
func (s *SinkSpec) Build(ctx context.Context) (types.Sink, error) {
	if err := s.preflight(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindKafka:
		return NewKafka(ctx, s.Name, s.Kafka)
	case KindMQTT:
		return NewMQTT(ctx, s.Name, s.MQTT)
	case KindWebhook:
		return NewWebhook(ctx, s.Name, s.Webhook), nil
	case KindAnalytics:
		return NewAnalytics(ctx, s.Name, s.Analytics), nil
	default:
		return nil, errors.Errorf("unknown sink kind %q", s.Kind)
	}
}

// BuildAll constructs every configured sink, wraps each one in the
// resilient delivery layer, and registers it.
func (c *Config) BuildAll(
	ctx context.Context, dlq types.DeadLetterQueue,
) (*Registry, error) {
	reg := NewRegistry()
	for i := range c.Sinks {
		s, err := c.Sinks[i].Build(ctx)
		if err != nil {
			_ = reg.CloseAll()
			return nil, err
		}
		reg.Add(NewResilient(ctx, s, dlq))
	}
	return reg, nil
}
