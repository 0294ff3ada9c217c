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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// Schema declared here for ease of reference; created by NewService.
// The lock columns implement a lease: a row is held while
// lock_acquired_by is set and lock_heartbeat_at is within the lease
// duration.
const schema = `
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.jobs (
  id                  TEXT        PRIMARY KEY,
  job_type            TEXT        NOT NULL,
  status              TEXT        NOT NULL DEFAULT 'notStarted',
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
  finished_at         TIMESTAMPTZ,
  purge_at            TIMESTAMPTZ,
  request_data        JSONB,
  result_data         JSONB,
  error_data          JSONB,
  checkpoint_data     JSONB,
  lock_acquired_at    TIMESTAMPTZ,
  lock_acquired_by    TEXT,
  lock_lease_seconds  INT         NOT NULL DEFAULT 300,
  lock_heartbeat_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_type_idx ON %[1]s.jobs (job_type);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON %[1]s.jobs (status);
CREATE INDEX IF NOT EXISTS jobs_created_idx ON %[1]s.jobs (created_at);
CREATE INDEX IF NOT EXISTS jobs_purge_idx ON %[1]s.jobs (purge_at);
CREATE INDEX IF NOT EXISTS jobs_lock_by_idx ON %[1]s.jobs (lock_acquired_by);
CREATE INDEX IF NOT EXISTS jobs_lock_at_idx ON %[1]s.jobs (lock_acquired_at)`

const createTemplate = `
INSERT INTO %s (id, job_type, status, request_data, lock_lease_seconds)
VALUES ($1, $2, $3, $4, $5)`

const getTemplate = `
SELECT id, job_type, status, created_at, updated_at, finished_at, purge_at,
       request_data, result_data, error_data, checkpoint_data,
       lock_acquired_at, lock_acquired_by, lock_lease_seconds, lock_heartbeat_at
FROM %s WHERE id = $1`

// The acquire affects zero rows when another holder's lease is still
// within its heartbeat window.
const acquireTemplate = `
UPDATE %s SET
  lock_acquired_at = now(),
  lock_acquired_by = $2,
  lock_heartbeat_at = now(),
  updated_at = now()
WHERE id = $1
  AND (lock_acquired_by IS NULL
       OR lock_acquired_by = $2
       OR lock_heartbeat_at IS NULL
       OR lock_heartbeat_at < now() - make_interval(secs => lock_lease_seconds))`

const holderTemplate = `SELECT lock_acquired_by FROM %s WHERE id = $1`

const renewTemplate = `
UPDATE %s SET lock_heartbeat_at = now(), updated_at = now()
WHERE id = $1 AND lock_acquired_by = $2`

const releaseTemplate = `
UPDATE %s SET
  lock_acquired_at = NULL,
  lock_acquired_by = NULL,
  lock_heartbeat_at = NULL,
  updated_at = now()
WHERE id = $1 AND lock_acquired_by = $2`

const setStatusTemplate = `
UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`

const finishTemplate = `
UPDATE %s SET
  status = $2,
  result_data = $3,
  error_data = $4,
  finished_at = now(),
  purge_at = now() + $5,
  updated_at = now()
WHERE id = $1`

const checkpointTemplate = `
UPDATE %s SET checkpoint_data = $2, updated_at = now() WHERE id = $1`

const cleanupTemplate = `
UPDATE %s SET
  lock_acquired_at = NULL,
  lock_acquired_by = NULL,
  lock_heartbeat_at = NULL,
  updated_at = now()
WHERE lock_acquired_by IS NOT NULL
  AND lock_heartbeat_at < now() - make_interval(secs => lock_lease_seconds)`

// Jobs still marked running whose lease lapsed (or was never taken)
// belong to a dead process and are eligible for resumption.
const resumeTemplate = `
SELECT id, job_type, status, created_at, updated_at, finished_at, purge_at,
       request_data, result_data, error_data, checkpoint_data,
       lock_acquired_at, lock_acquired_by, lock_lease_seconds, lock_heartbeat_at
FROM %s
WHERE status = 'running'
  AND (lock_acquired_by IS NULL
       OR lock_heartbeat_at IS NULL
       OR lock_heartbeat_at < now() - make_interval(secs => lock_lease_seconds))
ORDER BY created_at`

const purgeTemplate = `
DELETE FROM %s WHERE purge_at IS NOT NULL AND purge_at < now()`

// Store is the persistence contract the job engines run against. The
// Service implements it on PostgreSQL.
type Store interface {
	// Create inserts a new job in the notStarted status.
	Create(ctx context.Context, id string, jobType Type, request json.RawMessage) error

	// Get loads one job, or types.ErrJobNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// TryAcquire takes the lease for this service instance. It returns
	// a types.LeaseBusyError while another instance's lease is live and
	// types.ErrJobNotFound for an unknown id.
	TryAcquire(ctx context.Context, id string) error

	// Renew extends a held lease, or returns types.ErrLeaseLost.
	Renew(ctx context.Context, id string) error

	// Release gives the lease up. Releasing a lease not held by this
	// instance is a no-op.
	Release(ctx context.Context, id string) error

	// SetStatus updates the lifecycle status.
	SetStatus(ctx context.Context, id string, status Status) error

	// Finish records a terminal status with its result or error
	// payload and stamps the purge deadline.
	Finish(ctx context.Context, id string, status Status, result, errData any) error

	// SaveCheckpoint overwrites the checkpoint document.
	SaveCheckpoint(ctx context.Context, id string, cp any) error

	// LoadCheckpoint decodes the checkpoint into the target, reporting
	// whether one was present.
	LoadCheckpoint(ctx context.Context, id string, into any) (bool, error)

	// ClearCheckpoint removes the checkpoint document.
	ClearCheckpoint(ctx context.Context, id string) error

	// CleanupExpired releases leases whose heartbeat lapsed.
	CleanupExpired(ctx context.Context) (int64, error)

	// JobsToResume lists running jobs without a live lease, oldest
	// first.
	JobsToResume(ctx context.Context) ([]*Record, error)

	// PurgeExpired deletes terminal jobs past their purge deadline.
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config tunes the job service.
type Config struct {
	// Schema holds the jobs table; conventionally <graphName>_jobs.
	Schema string
	// LeaseDuration is how long a lease survives without a heartbeat.
	LeaseDuration time.Duration
	// ResumeInterval spaces the orphan scans; zero disables them.
	ResumeInterval time.Duration
	// PurgeAfter is how long terminal jobs are retained.
	PurgeAfter time.Duration
}

// Bind adds configuration flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.Schema, "jobsSchema", "digitaltwins_jobs",
		"the schema holding the jobs table")
	f.DurationVar(&c.LeaseDuration, "jobLeaseDuration", 5*time.Minute,
		"how long a job lease survives without a heartbeat")
	f.DurationVar(&c.ResumeInterval, "jobResumeInterval", time.Minute,
		"how often to scan for orphaned jobs; 0 disables the scan")
	f.DurationVar(&c.PurgeAfter, "jobPurgeAfter", 30*24*time.Hour,
		"how long finished jobs are retained before deletion")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.Schema == "" {
		return errors.New("jobsSchema must be set")
	}
	if c.LeaseDuration < time.Second {
		return errors.New("jobLeaseDuration must be at least one second")
	}
	if c.PurgeAfter <= 0 {
		return errors.New("jobPurgeAfter must be positive")
	}
	return nil
}

// Service is the database-backed job store.
type Service struct {
	cfg      *Config
	pool     *types.StorePool
	instance string

	sql struct {
		create     string
		get        string
		acquire    string
		holder     string
		renew      string
		release    string
		setStatus  string
		finish     string
		checkpoint string
		cleanup    string
		resume     string
		purge      string
	}
}

var _ Store = (*Service)(nil)

// NewService constructs a Service and ensures its schema exists.
func NewService(ctx context.Context, cfg *Config, pool *types.StorePool) (*Service, error) {
	s := &Service{cfg: cfg, pool: pool, instance: instanceID()}
	table := cfg.Schema + ".jobs"
	s.sql.create = fmt.Sprintf(createTemplate, table)
	s.sql.get = fmt.Sprintf(getTemplate, table)
	s.sql.acquire = fmt.Sprintf(acquireTemplate, table)
	s.sql.holder = fmt.Sprintf(holderTemplate, table)
	s.sql.renew = fmt.Sprintf(renewTemplate, table)
	s.sql.release = fmt.Sprintf(releaseTemplate, table)
	s.sql.setStatus = fmt.Sprintf(setStatusTemplate, table)
	s.sql.finish = fmt.Sprintf(finishTemplate, table)
	s.sql.checkpoint = fmt.Sprintf(checkpointTemplate, table)
	s.sql.cleanup = fmt.Sprintf(cleanupTemplate, table)
	s.sql.resume = fmt.Sprintf(resumeTemplate, table)
	s.sql.purge = fmt.Sprintf(purgeTemplate, table)

	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, cfg.Schema)); err != nil {
		return nil, errors.Wrap(err, "could not bootstrap jobs table")
	}
	log.WithField("instance", s.instance).Debug("job service started")
	return s, nil
}

// InstanceID returns the lease-holder identity of this process.
func (s *Service) InstanceID() string { return s.instance }

// instanceID builds a holder identity unique across hosts, processes,
// and restarts.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// Degrade to a time-derived suffix; uniqueness across restarts
		// of the same pid is all that's needed.
		return fmt.Sprintf("%s-%d-%08x", host, os.Getpid(), time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// Create implements Store.
func (s *Service) Create(
	ctx context.Context, id string, jobType Type, request json.RawMessage,
) error {
	_, err := s.pool.Exec(ctx, s.sql.create,
		id, jobType, StatusNotStarted, request, int(s.cfg.LeaseDuration.Seconds()))
	return errors.Wrapf(err, "could not create job %s", id)
}

// Get implements Store.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, s.sql.get, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	return r, errors.Wrapf(err, "could not load job %s", id)
}

// TryAcquire implements Store.
func (s *Service) TryAcquire(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, s.sql.acquire, id, s.instance)
	if err != nil {
		return errors.Wrapf(err, "could not acquire lease on job %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Zero rows: either the job doesn't exist or another holder's
	// lease is live. Distinguish the two.
	var holder *string
	err = s.pool.QueryRow(ctx, s.sql.holder, id).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrJobNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "could not inspect lease on job %s", id)
	}
	busy := &types.LeaseBusyError{}
	if holder != nil {
		busy.HeldBy = *holder
	}
	return busy
}

// Renew implements Store.
func (s *Service) Renew(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, s.sql.renew, id, s.instance)
	if err != nil {
		return errors.Wrapf(err, "could not renew lease on job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrLeaseLost
	}
	return nil
}

// Release implements Store.
func (s *Service) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, s.sql.release, id, s.instance)
	return errors.Wrapf(err, "could not release lease on job %s", id)
}

// SetStatus implements Store.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.pool.Exec(ctx, s.sql.setStatus, id, status)
	return errors.Wrapf(err, "could not set job %s to %s", id, status)
}

// Finish implements Store.
func (s *Service) Finish(
	ctx context.Context, id string, status Status, result, errData any,
) error {
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return errors.Wrapf(err, "could not encode result for job %s", id)
	}
	errJSON, err := marshalNullable(errData)
	if err != nil {
		return errors.Wrapf(err, "could not encode error for job %s", id)
	}
	_, err = s.pool.Exec(ctx, s.sql.finish, id, status, resultJSON, errJSON, s.cfg.PurgeAfter)
	return errors.Wrapf(err, "could not finish job %s", id)
}

// SaveCheckpoint implements Store.
func (s *Service) SaveCheckpoint(ctx context.Context, id string, cp any) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrapf(err, "could not encode checkpoint for job %s", id)
	}
	_, err = s.pool.Exec(ctx, s.sql.checkpoint, id, body)
	return errors.Wrapf(err, "could not save checkpoint for job %s", id)
}

// LoadCheckpoint implements Store.
func (s *Service) LoadCheckpoint(ctx context.Context, id string, into any) (bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if len(r.Checkpoint) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(r.Checkpoint, into); err != nil {
		return false, errors.Wrapf(err, "could not decode checkpoint for job %s", id)
	}
	return true, nil
}

// ClearCheckpoint implements Store.
func (s *Service) ClearCheckpoint(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, s.sql.checkpoint, id, nil)
	return errors.Wrapf(err, "could not clear checkpoint for job %s", id)
}

// CleanupExpired implements Store.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.sql.cleanup)
	if err != nil {
		return 0, errors.Wrap(err, "could not clean up expired leases")
	}
	if n := tag.RowsAffected(); n > 0 {
		expiredLeaseCount.Add(float64(n))
		log.WithField("count", n).Info("released expired job leases")
		return n, nil
	}
	return 0, nil
}

// JobsToResume implements Store.
func (s *Service) JobsToResume(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, s.sql.resume)
	if err != nil {
		return nil, errors.Wrap(err, "could not list resumable jobs")
	}
	defer rows.Close()
	var ret []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ret = append(ret, r)
	}
	return ret, errors.WithStack(rows.Err())
}

// PurgeExpired implements Store.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.sql.purge)
	if err != nil {
		return 0, errors.Wrap(err, "could not purge finished jobs")
	}
	if n := tag.RowsAffected(); n > 0 {
		purgedCount.Add(float64(n))
		log.WithField("count", n).Info("purged finished jobs")
		return n, nil
	}
	return 0, nil
}

// Maintain releases lapsed leases and purges old terminal jobs on a
// timer until the context is canceled. The job engines themselves run
// in whichever process owns the twin-store client; this keeps the
// table tidy regardless.
func (s *Service) Maintain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				log.WithError(err).Warn("job lease cleanup failed")
			}
			if _, err := s.PurgeExpired(ctx); err != nil {
				log.WithError(err).Warn("job purge failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	var lockBy *string
	var leaseSeconds int
	if err := row.Scan(
		&r.ID, &r.JobType, &r.Status, &r.CreatedAt, &r.UpdatedAt,
		&r.FinishedAt, &r.PurgeAt,
		&r.Request, &r.Result, &r.Error, &r.Checkpoint,
		&r.LockAcquiredAt, &lockBy, &leaseSeconds, &r.LockHeartbeatAt,
	); err != nil {
		return nil, err
	}
	if lockBy != nil {
		r.LockAcquiredBy = *lockBy
	}
	r.LockLeaseDuration = time.Duration(leaseSeconds) * time.Second
	return r, nil
}

func marshalNullable(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
