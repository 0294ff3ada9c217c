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

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Deleter empties the graph: relationships first so no twin is still
// referenced, then twins, then models.
type Deleter struct {
	store Store
	twins types.TwinStore
	opts  *Options
}

// NewDeleter constructs a Deleter. A nil opts selects the defaults.
func NewDeleter(store Store, twins types.TwinStore, opts *Options) *Deleter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Deleter{store: store, twins: twins, opts: opts}
}

// Run executes or resumes the delete job. The same outcome contract as
// Importer.Run applies.
func (d *Deleter) Run(ctx context.Context, jobID string) error {
	if err := d.store.TryAcquire(ctx, jobID); err != nil {
		return err
	}
	defer func() {
		if err := d.store.Release(context.Background(), jobID); err != nil {
			log.WithError(err).WithField("job", jobID).Warn("could not release job lease")
		}
	}()
	startedCount.WithLabelValues(string(TypeDelete)).Inc()

	cp := &DeleteCheckpoint{JobID: jobID}
	if _, err := d.store.LoadCheckpoint(ctx, jobID, cp); err != nil {
		return err
	}
	if err := d.store.SetStatus(ctx, jobID, StatusRunning); err != nil {
		return err
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := startHeartbeat(jobCtx, cancel, d.store, jobID, d.opts.HeartbeatInterval)
	err := d.process(jobCtx, cp)
	stop()

	deleted := cp.RelationshipsDeleted + cp.TwinsDeleted + cp.ModelsDeleted
	result := &DeleteResult{
		RelationshipsDeleted: cp.RelationshipsDeleted,
		TwinsDeleted:         cp.TwinsDeleted,
		ModelsDeleted:        cp.ModelsDeleted,
		ErrorCount:           cp.ErrorCount,
	}
	return finishJob(ctx, jobCtx, d.store, TypeDelete, jobID, err, deleted, cp.ErrorCount, result)
}

func (d *Deleter) process(ctx context.Context, cp *DeleteCheckpoint) error {
	if !cp.RelationshipsCompleted {
		if err := d.phase(ctx, cp, "relationships",
			d.twins.ListRelationshipIds, d.twins.DeleteRelationship,
			&cp.RelationshipsDeleted); err != nil {
			return err
		}
		cp.RelationshipsCompleted = true
		if err := d.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
			return err
		}
	}
	if !cp.TwinsCompleted {
		if err := d.phase(ctx, cp, "twins",
			d.twins.ListTwinIds, d.twins.DeleteTwin, &cp.TwinsDeleted); err != nil {
			return err
		}
		cp.TwinsCompleted = true
		if err := d.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
			return err
		}
	}
	if !cp.ModelsCompleted {
		if err := d.phase(ctx, cp, "models",
			d.twins.ListModelIds, d.twins.DeleteModel, &cp.ModelsDeleted); err != nil {
			return err
		}
		cp.ModelsCompleted = true
		if err := d.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
			return err
		}
	}
	return nil
}

// phase drains one element kind in batches until the listing comes
// back empty.
func (d *Deleter) phase(
	ctx context.Context, cp *DeleteCheckpoint, name string,
	list func(context.Context, int) ([]string, error),
	remove func(context.Context, string) error,
	deleted *int,
) error {
	for {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		if err := ensureReady(ctx, d.twins, d.opts.ReconnectDelay); err != nil {
			return err
		}
		ids, err := list(ctx, d.opts.BatchSize)
		if err != nil {
			return errors.Wrapf(err, "could not list %s", name)
		}
		if len(ids) == 0 {
			return nil
		}
		progress := false
		for _, id := range ids {
			if err := remove(ctx, id); err != nil {
				// Lost a race with another writer; the element is
				// gone either way.
				if errors.Is(err, types.ErrAlreadyDeleted) {
					progress = true
					continue
				}
				cp.ErrorCount++
				log.WithError(err).WithFields(log.Fields{
					"phase": name,
					"id":    id,
				}).Warn("could not delete element")
				continue
			}
			*deleted++
			progress = true
			deleteElementCount.WithLabelValues(name).Inc()
		}
		if err := d.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
			return err
		}
		// Refusing every element in a batch would loop forever on the
		// same listing.
		if !progress {
			return errors.Errorf("no progress deleting %s; aborting phase", name)
		}
	}
}
