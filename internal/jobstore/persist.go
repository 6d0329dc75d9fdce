package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/store"
)

const (
	fieldJob   = "job"
	fieldQueue = "queue"
)

// Sweep evicts every job whose last update is older than the retention
// window, whatever its status, and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	var evicted []string
	for id, job := range s.jobs {
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.queued, id)
			delete(s.failed, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.log.Info("evicted expired jobs", zap.Int("count", len(evicted)))
		if s.durable != nil {
			keys := make([]string, len(evicted))
			for i, id := range evicted {
				keys[i] = keyPrefix + id
			}
			if err := s.durable.Del(ctx, keys...); err != nil {
				s.log.Warn("failed to delete evicted job snapshots", zap.Error(err))
			}
		}
	}
	return len(evicted)
}

type snapshotEntry struct {
	id     string
	fields map[string]string
}

// Snapshot writes the full store state to the durable store and removes
// durable records of jobs no longer held in memory.
func (s *Store) Snapshot(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}

	s.mu.Lock()
	entries := make([]snapshotEntry, 0, len(s.jobs))
	live := make(map[string]struct{}, len(s.jobs))
	var encodeErr error
	for id, job := range s.jobs {
		live[keyPrefix+id] = struct{}{}
		data, err := json.Marshal(job)
		if err != nil {
			encodeErr = errors.Join(encodeErr, fmt.Errorf("failed to encode job %s: %w", id, err))
			continue
		}
		fields := map[string]string{fieldJob: string(data)}
		if q, ok := s.queued[id]; ok {
			qd, _ := json.Marshal(q)
			fields[fieldQueue] = string(qd)
		}
		entries = append(entries, snapshotEntry{id: id, fields: fields})
	}
	s.mu.Unlock()

	var errs []error
	if encodeErr != nil {
		errs = append(errs, encodeErr)
	}
	for _, e := range entries {
		if _, ok := e.fields[fieldQueue]; !ok {
			if err := s.durable.HDel(ctx, keyPrefix+e.id, fieldQueue); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := s.durable.HSet(ctx, keyPrefix+e.id, e.fields, s.retention); err != nil {
			errs = append(errs, err)
		}
	}

	keys, err := s.durable.Keys(ctx, keyPrefix)
	if err != nil {
		errs = append(errs, err)
	} else {
		var stale []string
		for _, k := range keys {
			if _, ok := live[k]; !ok {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := s.durable.Del(ctx, stale...); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to snapshot jobs: %w", errors.Join(errs...))
	}
	s.log.Debug("job snapshot written", zap.Int("jobs", len(entries)))
	return nil
}

// Restore loads jobs from the durable store. Jobs that were processing when
// the snapshot was taken go back to pending and are re-enqueued; jobs
// already in memory are left alone. It returns the number of jobs loaded.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	keys, err := s.durable.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list job snapshots: %w", err)
	}
	sort.Strings(keys)

	type restored struct {
		job   *model.Job
		entry *model.QueuedJob
	}
	var loaded []restored
	for _, key := range keys {
		fields, err := s.durable.HGetAll(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Warn("failed to read job snapshot", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(fields[fieldJob]), &job); err != nil || job.ID == "" ||
			job.ID != strings.TrimPrefix(key, keyPrefix) {
			s.log.Warn("skipping unreadable job snapshot", zap.String("key", key))
			continue
		}
		if job.Segments == nil {
			job.Segments = make(map[string]*model.Segment)
		}
		var entry *model.QueuedJob
		if raw, ok := fields[fieldQueue]; ok {
			var q model.QueuedJob
			if json.Unmarshal([]byte(raw), &q) == nil {
				entry = &q
			}
		}
		loaded = append(loaded, restored{job: &job, entry: entry})
	}

	s.mu.Lock()
	n := 0
	for _, r := range loaded {
		if _, exists := s.jobs[r.job.ID]; exists {
			continue
		}
		job := r.job
		if job.Status == model.JobStatusProcessing {
			job.Status = model.JobStatusPending
			job.Progress = 0
			job.Message = "Requeued after restart"
			job.StartedAt = nil
		}
		s.jobs[job.ID] = job
		if job.Status == model.JobStatusPending {
			entry := r.entry
			if entry == nil {
				entry = &model.QueuedJob{
					JobID:      job.ID,
					Priority:   job.Priority,
					CreatedAt:  job.CreatedAt,
					RetryCount: job.RetryCount,
					MaxRetries: job.MaxRetries,
				}
			}
			s.push(entry)
		}
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("restored jobs from snapshot", zap.Int("count", n))
	}
	return n, nil
}
