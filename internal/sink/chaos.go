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
	"math/rand"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/pkg/errors"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// ErrChaos is the error injected by the WithChaos wrapper.
var ErrChaos = errors.New("chaos")

// WithChaos returns a wrapper around a sink that fails SendBatch with
// the given probability. The delegate is returned unwrapped if prob is
// less than or equal to zero.
func WithChaos(delegate types.Sink, prob float32) types.Sink {
	if prob <= 0 {
		return delegate
	}
	return &chaosSink{delegate: delegate, prob: prob}
}

// The wrapper uses the global rand source: a private *rand.Rand would
// not buy repeatable runs once several goroutines send concurrently.
type chaosSink struct {
	delegate types.Sink
	prob     float32
}

var _ types.Sink = (*chaosSink)(nil)

func (s *chaosSink) Name() string { return s.delegate.Name() }

func (s *chaosSink) IsHealthy() bool { return s.delegate.IsHealthy() }

func (s *chaosSink) SendBatch(ctx context.Context, events []event.Event) error {
	if rand.Float32() < s.prob {
		return doChaos("SendBatch")
	}
	return s.delegate.SendBatch(ctx, events)
}

func (s *chaosSink) Close() error {
	if rand.Float32() < s.prob {
		return doChaos("Close")
	}
	return s.delegate.Close()
}

// doChaos is a convenient place to set a breakpoint.
func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}
