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
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// InputProvider reopens the import stream named by a job's request
// data. Resumption always restarts the stream from the top; the engine
// seeks past processed lines itself.
type InputProvider interface {
	Open(ctx context.Context, r *Record) (io.ReadCloser, error)
}

// Runner periodically adopts running jobs whose lease lapsed.
type Runner struct {
	store    Store
	importer *Importer
	deleter  *Deleter
	inputs   InputProvider
	interval time.Duration
}

// NewRunner constructs a Runner over the shared engines.
func NewRunner(
	store Store, twins types.TwinStore, opts *Options,
	inputs InputProvider, interval time.Duration,
) *Runner {
	return &Runner{
		store:    store,
		importer: NewImporter(store, twins, opts),
		deleter:  NewDeleter(store, twins, opts),
		inputs:   inputs,
		interval: interval,
	}
}

// Run scans on a timer until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.scanOnce(ctx); err != nil {
				log.WithError(err).Warn("job resume scan failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) scanOnce(ctx context.Context) error {
	if _, err := r.store.CleanupExpired(ctx); err != nil {
		return err
	}
	if _, err := r.store.PurgeExpired(ctx); err != nil {
		return err
	}
	orphans, err := r.store.JobsToResume(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.resume(ctx, job); err != nil {
			// A busy lease just means another instance got there
			// first.
			if _, ok := types.IsLeaseBusy(err); ok {
				continue
			}
			log.WithError(err).WithFields(log.Fields{
				"job":  job.ID,
				"type": job.JobType,
			}).Warn("could not resume job")
		}
	}
	return nil
}

func (r *Runner) resume(ctx context.Context, job *Record) error {
	log.WithFields(log.Fields{
		"job":  job.ID,
		"type": job.JobType,
	}).Info("resuming orphaned job")
	resumedCount.WithLabelValues(string(job.JobType)).Inc()

	switch job.JobType {
	case TypeImport:
		if r.inputs == nil {
			return errors.New("no input provider configured for import jobs")
		}
		input, err := r.inputs.Open(ctx, job)
		if err != nil {
			return errors.Wrapf(err, "could not reopen input for job %s", job.ID)
		}
		defer func() { _ = input.Close() }()
		return r.importer.Run(ctx, job.ID, input)
	case TypeDelete:
		return r.deleter.Run(ctx, job.ID)
	default:
		return errors.Errorf("unknown job type %q", job.JobType)
	}
}
