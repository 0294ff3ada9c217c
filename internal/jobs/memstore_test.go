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
	"encoding/json"
	"sync"
	"time"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/types"
)

// memoryStore is a map-backed Store with the same lease semantics as
// the database-backed Service.
type memoryStore struct {
	holder string
	lease  time.Duration

	mu struct {
		sync.Mutex
		records map[string]*Record
	}
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	s := &memoryStore{holder: "test-1-deadbeef", lease: time.Minute}
	s.mu.records = make(map[string]*Record)
	return s
}

func (s *memoryStore) Create(
	_ context.Context, id string, jobType Type, request json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.mu.records[id] = &Record{
		ID:                id,
		JobType:           jobType,
		Status:            StatusNotStarted,
		CreatedAt:         now,
		UpdatedAt:         now,
		Request:           request,
		LockLeaseDuration: s.lease,
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memoryStore) expired(rec *Record) bool {
	return rec.LockHeartbeatAt == nil ||
		time.Since(*rec.LockHeartbeatAt) > rec.LockLeaseDuration
}

func (s *memoryStore) TryAcquire(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return types.ErrJobNotFound
	}
	if rec.LockAcquiredBy != "" && rec.LockAcquiredBy != s.holder && !s.expired(rec) {
		return &types.LeaseBusyError{HeldBy: rec.LockAcquiredBy}
	}
	now := time.Now()
	rec.LockAcquiredBy = s.holder
	rec.LockAcquiredAt = &now
	rec.LockHeartbeatAt = &now
	return nil
}

func (s *memoryStore) Renew(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok || rec.LockAcquiredBy != s.holder {
		return types.ErrLeaseLost
	}
	now := time.Now()
	rec.LockHeartbeatAt = &now
	return nil
}

func (s *memoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.mu.records[id]; ok && rec.LockAcquiredBy == s.holder {
		rec.LockAcquiredBy = ""
		rec.LockAcquiredAt = nil
		rec.LockHeartbeatAt = nil
	}
	return nil
}

func (s *memoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return types.ErrJobNotFound
	}
	rec.Status = status
	return nil
}

func (s *memoryStore) Finish(
	_ context.Context, id string, status Status, result, errData any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return types.ErrJobNotFound
	}
	rec.Status = status
	now := time.Now()
	rec.FinishedAt = &now
	purge := now.Add(30 * 24 * time.Hour)
	rec.PurgeAt = &purge
	if result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return err
		}
		rec.Result = body
	}
	if errData != nil {
		body, err := json.Marshal(errData)
		if err != nil {
			return err
		}
		rec.Error = body
	}
	return nil
}

func (s *memoryStore) SaveCheckpoint(_ context.Context, id string, cp any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return types.ErrJobNotFound
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	rec.Checkpoint = body
	return nil
}

func (s *memoryStore) LoadCheckpoint(_ context.Context, id string, into any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mu.records[id]
	if !ok {
		return false, types.ErrJobNotFound
	}
	if len(rec.Checkpoint) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(rec.Checkpoint, into)
}

func (s *memoryStore) ClearCheckpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.mu.records[id]; ok {
		rec.Checkpoint = nil
	}
	return nil
}

func (s *memoryStore) CleanupExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.mu.records {
		if rec.LockAcquiredBy != "" && s.expired(rec) {
			rec.LockAcquiredBy = ""
			rec.LockAcquiredAt = nil
			rec.LockHeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) JobsToResume(context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []*Record
	for _, rec := range s.mu.records {
		if rec.Status == StatusRunning && (rec.LockAcquiredBy == "" || s.expired(rec)) {
			clone := *rec
			ret = append(ret, &clone)
		}
	}
	return ret, nil
}

func (s *memoryStore) PurgeExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.mu.records {
		if rec.PurgeAt != nil && rec.PurgeAt.Before(time.Now()) {
			delete(s.mu.records, id)
			n++
		}
	}
	return n, nil
}

// stealLease hands the lease to another holder, as if a second
// instance took it over.
func (s *memoryStore) stealLease(id, other string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.mu.records[id]; ok {
		now := time.Now()
		rec.LockAcquiredBy = other
		rec.LockAcquiredAt = &now
		rec.LockHeartbeatAt = &now
	}
}
