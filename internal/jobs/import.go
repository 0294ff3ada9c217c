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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// fileVersion is the only import stream version understood.
const fileVersion = "1.0.0"

// maxLineBytes bounds a single ND-JSON document.
const maxLineBytes = 4 * 1024 * 1024

// Options tunes the job engines.
type Options struct {
	// BatchSize bounds the documents per store call.
	BatchSize int
	// CheckpointLines is how many data lines may pass between
	// checkpoints. Section boundaries always checkpoint.
	CheckpointLines int
	// HeartbeatInterval spaces the lease renewals and cancellation
	// polls.
	HeartbeatInterval time.Duration
	// ReconnectDelay is how long to wait before the single reconnect
	// attempt after the store goes away.
	ReconnectDelay time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() *Options {
	return &Options{
		BatchSize:         50,
		CheckpointLines:   50,
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    time.Minute,
	}
}

// validationError marks a malformed import stream. It fails the job
// rather than leaving it resumable.
type validationError struct {
	line int
	msg  string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line, e.msg)
}

// errCancelRequested aborts the engine loop when the job status moved
// to cancelling.
var errCancelRequested = errors.New("job cancellation requested")

var sectionRank = map[Section]int{
	SectionNone:          0,
	SectionHeader:        1,
	SectionModels:        2,
	SectionTwins:         3,
	SectionRelationships: 4,
}

// Importer replays an ND-JSON export into the twin store.
type Importer struct {
	store Store
	twins types.TwinStore
	opts  *Options
}

// NewImporter constructs an Importer. A nil opts selects the defaults.
func NewImporter(store Store, twins types.TwinStore, opts *Options) *Importer {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Importer{store: store, twins: twins, opts: opts}
}

// Run executes or resumes the import job against the given input
// stream. The stream must always start at the beginning of the file;
// the engine skips past already-processed lines itself.
//
// A types.LeaseBusyError means another instance is on it. A
// types.DatabaseConnectivityError (or a canceled parent context)
// leaves the job in the running status for a later resumption; every
// other outcome is recorded as a terminal status on the job.
func (i *Importer) Run(ctx context.Context, jobID string, input io.Reader) error {
	if err := i.store.TryAcquire(ctx, jobID); err != nil {
		return err
	}
	defer func() {
		if err := i.store.Release(context.Background(), jobID); err != nil {
			log.WithError(err).WithField("job", jobID).Warn("could not release job lease")
		}
	}()
	startedCount.WithLabelValues(string(TypeImport)).Inc()

	cp := &ImportCheckpoint{JobID: jobID, CurrentSection: SectionNone}
	if _, err := i.store.LoadCheckpoint(ctx, jobID, cp); err != nil {
		return err
	}
	if err := i.store.SetStatus(ctx, jobID, StatusRunning); err != nil {
		return err
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := startHeartbeat(jobCtx, cancel, i.store, jobID, i.opts.HeartbeatInterval)
	err := i.process(jobCtx, cp, input)
	stop()

	return i.finalize(ctx, jobCtx, cp, err)
}

func (i *Importer) process(ctx context.Context, cp *ImportCheckpoint, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var twins, rels []json.RawMessage
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || line <= cp.LineNumber {
			continue
		}
		if err := context.Cause(ctx); err != nil {
			return err
		}

		if section, ok := parseSectionMarker(raw); ok {
			if cp.CurrentSection == SectionNone && section != SectionHeader {
				return &validationError{line, "stream must open with the Header section"}
			}
			if sectionRank[section] <= sectionRank[cp.CurrentSection] {
				return &validationError{line,
					fmt.Sprintf("section %s out of order after %s", section, cp.CurrentSection)}
			}
			if err := i.endSection(ctx, cp, &twins, &rels); err != nil {
				return err
			}
			cp.CurrentSection = section
			cp.LineNumber = line
			if err := i.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
				return err
			}
			continue
		}

		switch cp.CurrentSection {
		case SectionNone:
			return &validationError{line, "stream must open with the Header section"}
		case SectionHeader:
			var header struct {
				FileVersion string `json:"fileVersion"`
			}
			if err := json.Unmarshal(raw, &header); err != nil {
				return &validationError{line, "unreadable header document"}
			}
			if header.FileVersion != fileVersion {
				return &validationError{line,
					fmt.Sprintf("unsupported fileVersion %q", header.FileVersion)}
			}
		case SectionModels:
			// Models may reference each other, so they accumulate on
			// the checkpoint and upload in one call at section end.
			cp.PendingModels = append(cp.PendingModels, append(json.RawMessage(nil), raw...))
		case SectionTwins:
			twins = append(twins, append(json.RawMessage(nil), raw...))
			if len(twins) >= i.opts.BatchSize {
				if err := i.flushTwins(ctx, cp, &twins); err != nil {
					return err
				}
			}
		case SectionRelationships:
			rels = append(rels, append(json.RawMessage(nil), raw...))
			if len(rels) >= i.opts.BatchSize {
				if err := i.flushRelationships(ctx, cp, &rels); err != nil {
					return err
				}
			}
		}
		importLineCount.WithLabelValues(string(cp.CurrentSection)).Inc()
		cp.LineNumber = line
		if line%i.opts.CheckpointLines == 0 {
			// Flush partial batches first so the recorded line number
			// never runs ahead of the store.
			if err := i.flushTwins(ctx, cp, &twins); err != nil {
				return err
			}
			if err := i.flushRelationships(ctx, cp, &rels); err != nil {
				return err
			}
			if err := i.store.SaveCheckpoint(ctx, cp.JobID, cp); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "could not read import stream")
	}
	if cp.CurrentSection == SectionNone {
		return &validationError{line, "stream is empty"}
	}
	if err := i.endSection(ctx, cp, &twins, &rels); err != nil {
		return err
	}
	cp.TwinsCompleted = true
	cp.RelationshipsCompleted = true
	return i.store.SaveCheckpoint(ctx, cp.JobID, cp)
}

// endSection flushes whatever the closing section left buffered.
func (i *Importer) endSection(
	ctx context.Context, cp *ImportCheckpoint, twins, rels *[]json.RawMessage,
) error {
	switch cp.CurrentSection {
	case SectionModels:
		if cp.ModelsCompleted || len(cp.PendingModels) == 0 {
			cp.ModelsCompleted = true
			return nil
		}
		if err := i.ready(ctx); err != nil {
			return err
		}
		if err := i.twins.CreateModels(ctx, cp.PendingModels); err != nil {
			cp.ErrorCount += len(cp.PendingModels)
			log.WithError(err).WithField("count", len(cp.PendingModels)).
				Warn("could not create models")
		} else {
			cp.ModelsProcessed += len(cp.PendingModels)
		}
		cp.PendingModels = nil
		cp.ModelsCompleted = true
	case SectionTwins:
		return i.flushTwins(ctx, cp, twins)
	case SectionRelationships:
		return i.flushRelationships(ctx, cp, rels)
	}
	return nil
}

func (i *Importer) flushTwins(
	ctx context.Context, cp *ImportCheckpoint, batch *[]json.RawMessage,
) error {
	if len(*batch) == 0 {
		return nil
	}
	if err := i.ready(ctx); err != nil {
		return err
	}
	if err := i.twins.CreateOrReplaceTwins(ctx, *batch); err != nil {
		cp.ErrorCount += len(*batch)
		log.WithError(err).WithField("count", len(*batch)).Warn("could not upsert twins")
	} else {
		cp.TwinsProcessed += len(*batch)
	}
	*batch = (*batch)[:0]
	return nil
}

func (i *Importer) flushRelationships(
	ctx context.Context, cp *ImportCheckpoint, batch *[]json.RawMessage,
) error {
	if len(*batch) == 0 {
		return nil
	}
	if err := i.ready(ctx); err != nil {
		return err
	}
	if err := i.twins.CreateOrReplaceRelationships(ctx, *batch); err != nil {
		cp.ErrorCount += len(*batch)
		log.WithError(err).WithField("count", len(*batch)).
			Warn("could not upsert relationships")
	} else {
		cp.RelationshipsProcessed += len(*batch)
	}
	*batch = (*batch)[:0]
	return nil
}

// ready verifies the twin store connection, allowing one reconnect
// attempt after a delay before declaring connectivity lost.
func (i *Importer) ready(ctx context.Context) error {
	return ensureReady(ctx, i.twins, i.opts.ReconnectDelay)
}

func (i *Importer) finalize(
	ctx, jobCtx context.Context, cp *ImportCheckpoint, runErr error,
) error {
	jobID := cp.JobID
	created := cp.ModelsProcessed + cp.TwinsProcessed + cp.RelationshipsProcessed
	result := &ImportResult{
		ModelsCreated:        cp.ModelsProcessed,
		TwinsCreated:         cp.TwinsProcessed,
		RelationshipsCreated: cp.RelationshipsProcessed,
		ErrorCount:           cp.ErrorCount,
	}
	return finishJob(ctx, jobCtx, i.store, TypeImport, jobID, runErr, created, cp.ErrorCount, result)
}

// ensureReady verifies the twin store connection. On failure it waits
// out the delay, reopens once, and verifies again; a second failure is
// a connectivity loss.
func ensureReady(ctx context.Context, twins types.TwinStore, delay time.Duration) error {
	err := twins.Ready(ctx)
	if err == nil {
		return nil
	}
	log.WithError(err).Warn("twin store unavailable; waiting to reconnect")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	if err := twins.Reconnect(ctx); err != nil {
		return &types.DatabaseConnectivityError{Cause: err}
	}
	if err := twins.Ready(ctx); err != nil {
		return &types.DatabaseConnectivityError{Cause: err}
	}
	log.Info("twin store connection reestablished")
	return nil
}

// startHeartbeat renews the lease and polls for a cancellation request
// until stopped. A lost lease or a cancelling status aborts the job
// context with the matching cause.
func startHeartbeat(
	ctx context.Context, cancel context.CancelCauseFunc,
	store Store, jobID string, interval time.Duration,
) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := store.Renew(ctx, jobID); err != nil {
					cancel(types.ErrLeaseLost)
					return
				}
				r, err := store.Get(ctx, jobID)
				if err != nil {
					log.WithError(err).WithField("job", jobID).
						Warn("could not poll job status")
					continue
				}
				if r.Status == StatusCancelling {
					cancel(errCancelRequested)
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// finishJob maps the engine outcome to a terminal status, or leaves
// the job running when the outcome is resumable.
func finishJob(
	ctx, jobCtx context.Context, store Store, jobType Type, jobID string,
	runErr error, created, errorCount int, result any,
) error {
	switch {
	case runErr == nil:
		status := StatusSucceeded
		switch {
		case errorCount > 0 && created > 0:
			status = StatusPartiallySucceeded
		case errorCount > 0:
			status = StatusFailed
		}
		if err := store.Finish(ctx, jobID, status, result, nil); err != nil {
			return err
		}
		if status == StatusSucceeded {
			if err := store.ClearCheckpoint(ctx, jobID); err != nil {
				log.WithError(err).WithField("job", jobID).Warn("could not clear checkpoint")
			}
		}
		finishedCount.WithLabelValues(string(jobType), string(status)).Inc()
		log.WithFields(log.Fields{"job": jobID, "status": status}).Info("job finished")
		return nil

	case errors.Is(runErr, errCancelRequested):
		if err := store.Finish(ctx, jobID, StatusCancelled, result, nil); err != nil {
			return err
		}
		finishedCount.WithLabelValues(string(jobType), string(StatusCancelled)).Inc()
		log.WithField("job", jobID).Info("job cancelled")
		return nil

	case errors.Is(runErr, types.ErrLeaseLost):
		// Another instance may already own the job; touch nothing.
		log.WithField("job", jobID).Warn("job lease lost; abandoning run")
		return runErr

	case jobCtx.Err() != nil && context.Cause(jobCtx) == ctx.Err():
		// Process shutdown: the job stays running and the saved
		// checkpoint lets another instance resume it.
		log.WithField("job", jobID).Info("job interrupted by shutdown")
		return runErr

	default:
		if _, ok := types.IsDatabaseConnectivity(runErr); ok {
			// Resumable: leave the running status in place.
			log.WithError(runErr).WithField("job", jobID).
				Warn("job paused on connectivity loss")
			return runErr
		}
		errData := map[string]string{"message": runErr.Error()}
		if err := store.Finish(ctx, jobID, StatusFailed, result, errData); err != nil {
			return err
		}
		finishedCount.WithLabelValues(string(jobType), string(StatusFailed)).Inc()
		log.WithError(runErr).WithField("job", jobID).Warn("job failed")
		return runErr
	}
}

// parseSectionMarker recognizes {"Section": "..."} lines.
func parseSectionMarker(raw []byte) (Section, bool) {
	var marker struct {
		Section string `json:"Section"`
	}
	if err := json.Unmarshal(raw, &marker); err != nil || marker.Section == "" {
		return SectionNone, false
	}
	s := Section(marker.Section)
	if _, ok := sectionRank[s]; !ok || s == SectionNone {
		return SectionNone, false
	}
	return s, true
}
