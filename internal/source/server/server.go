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

// Package server assembles the sources, router, sinks, and stores
// into a runnable process.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/format"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/queue"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/eventing/router"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/jobs"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/sink"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/source/replication"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/source/telemetry"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/target/dlq"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/health"
	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/util/stdpool"
)

// httpShutdownGrace bounds how long in-flight scrapes may linger.
const httpShutdownGrace = 5 * time.Second

// Server owns the running components.
type Server struct {
	cfg      *Config
	pool     *types.StorePool
	sinks    *sink.Registry
	router   *router.Router
	decoder  *replication.Decoder
	listener *telemetry.Listener
	dlq      *dlq.Store
	jobs     *jobs.Service
	checks   *health.Registry
}

// New builds every component from the configuration. The caller is
// expected to have run cfg.Preflight.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	pool, err := stdpool.OpenStorePool(ctx, cfg.Replication.ConnectionString, true)
	if err != nil {
		return nil, err
	}
	dlqStore, err := dlq.New(ctx, &cfg.DLQ, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	jobSvc, err := jobs.NewService(ctx, &cfg.Jobs, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sinkCfg, err := sink.LoadConfig(cfg.SinkConfigPath)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := sinkCfg.Preflight(); err != nil {
		pool.Close()
		return nil, err
	}
	registry, err := sinkCfg.BuildAll(ctx, dlqStore)
	if err != nil {
		pool.Close()
		return nil, err
	}
	routes, err := buildRoutes(sinkCfg)
	if err != nil {
		_ = registry.CloseAll()
		pool.Close()
		return nil, err
	}

	q := queue.New(cfg.QueueCapacity)
	s := &Server{
		cfg:      cfg,
		pool:     pool,
		sinks:    registry,
		router:   router.New(q, format.NewFactory(cfg.EventSource), registry, routes),
		decoder:  replication.NewDecoder(&cfg.Replication, q),
		listener: telemetry.NewListener(&cfg.Telemetry, q),
		dlq:      dlqStore,
		jobs:     jobSvc,
		checks:   health.NewRegistry(),
	}
	s.checks.Register("replication", s.decoder.IsHealthy)
	s.checks.Register("telemetry", s.listener.IsHealthy)
	registry.Range(func(snk types.Sink) {
		s.checks.Register("sink:"+snk.Name(), snk.IsHealthy)
	})
	return s, nil
}

// JobService exposes the job store for embedding applications that
// own a twin-store client.
func (s *Server) JobService() *jobs.Service { return s.jobs }

// buildRoutes resolves the configured routes against the declared
// sinks. A sink's own type mappings win over the route's.
func buildRoutes(cfg *sink.Config) ([]router.Route, error) {
	specs := make(map[string]*sink.SinkSpec, len(cfg.Sinks))
	for i := range cfg.Sinks {
		specs[cfg.Sinks[i].Name] = &cfg.Sinks[i]
	}
	routes := make([]router.Route, 0, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		f, err := r.Format()
		if err != nil {
			return nil, err
		}
		var tm format.TypeMap
		if spec, ok := specs[r.SinkName]; ok && len(spec.TypeMappings) > 0 {
			tm, err = spec.TypeMap()
		} else {
			tm, err = format.NewTypeMap(r.TypeMappings)
		}
		if err != nil {
			return nil, err
		}
		routes = append(routes, router.Route{SinkName: r.SinkName, Format: f, Types: tm})
	}
	return routes, nil
}

// Run executes the components until the context is canceled, then
// drains: the sources stop first, the router flushes what it holds,
// and closing the sinks pushes any pending retries to the dead-letter
// queue.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.checks.Handler())
	httpSrv := &http.Server{Addr: s.cfg.BindAddr, Handler: mux}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.decoder.Run(gCtx) })
	g.Go(func() error { return s.listener.Run(gCtx) })
	g.Go(func() error { return s.router.Run(gCtx) })
	g.Go(func() error { return s.dlq.Sweep(gCtx, s.sinks) })
	g.Go(func() error { return s.jobs.Maintain(gCtx, s.cfg.Jobs.ResumeInterval) })
	g.Go(func() error {
		log.WithField("addr", s.cfg.BindAddr).Info("serving metrics and health")
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		return errors.WithStack(httpSrv.Shutdown(shutdownCtx))
	})

	err := g.Wait()
	if closeErr := s.sinks.CloseAll(); closeErr != nil {
		log.WithError(closeErr).Warn("error while closing sinks")
	}
	s.pool.Close()
	return err
}
