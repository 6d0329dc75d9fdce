package jobstore

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/makeavideo/api/internal/model"
)

// jobQueue is a heap ordered by QueuedJob.Before.
type jobQueue []*model.QueuedJob

func (q jobQueue) Len() int           { return len(q) }
func (q jobQueue) Less(i, j int) bool { return q[i].Before(q[j]) }
func (q jobQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*model.QueuedJob)) }

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Enqueue adds a pending job to the priority queue. Enqueueing a job that
// is already queued is a no-op.
func (s *Store) Enqueue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != model.JobStatusPending {
		return fmt.Errorf("%w: cannot enqueue %s job", ErrInvalidTransition, job.Status)
	}
	if _, queued := s.queued[id]; queued {
		return nil
	}
	s.push(&model.QueuedJob{
		JobID:      id,
		Priority:   job.Priority,
		CreatedAt:  s.now(),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
	})
	return nil
}

// Dequeue removes and returns the highest-priority, oldest pending entry.
// Entries whose job was cancelled or evicted are dropped.
func (s *Store) Dequeue() (*model.QueuedJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*model.QueuedJob)
		if s.queued[item.JobID] != item {
			continue
		}
		delete(s.queued, item.JobID)
		if job, ok := s.jobs[item.JobID]; ok && job.Status == model.JobStatusPending {
			c := *item
			return &c, true
		}
	}
	return nil, false
}

// Requeue puts a failed dispatch back in the queue with its retry count
// incremented and a fresh timestamp, so it re-enters FIFO order at the back
// of its priority band.
func (s *Store) Requeue(q *model.QueuedJob, lastErr string) error {
	return s.reinsert(q, q.RetryCount+1, lastErr, "Retrying")
}

// Park returns an interrupted job to the queue without consuming a retry.
func (s *Store) Park(q *model.QueuedJob) error {
	return s.reinsert(q, q.RetryCount, "", "Queued")
}

func (s *Store) reinsert(q *model.QueuedJob, retryCount int, lastErr, message string) error {
	return s.mutate(q.JobID, EventUpdated, func(job *model.Job, now time.Time) error {
		if err := s.transition(job, model.JobStatusPending, now); err != nil {
			return err
		}
		job.RetryCount = retryCount
		job.Progress = 0
		job.Message = message
		if lastErr != "" {
			mergeMetadata(job, map[string]interface{}{model.MetaLastError: lastErr})
		}
		s.push(&model.QueuedJob{
			JobID:      q.JobID,
			Priority:   q.Priority,
			CreatedAt:  now,
			RetryCount: retryCount,
			MaxRetries: q.MaxRetries,
		})
		return nil
	})
}

// MarkFailed moves an entry whose retries are exhausted to the failed set
// and fails its job.
func (s *Store) MarkFailed(q *model.QueuedJob, errMsg string) error {
	s.mu.Lock()
	c := *q
	s.failed[q.JobID] = &c
	s.mu.Unlock()

	return s.Fail(q.JobID, errMsg)
}

// QueueLen returns the number of queued entries.
func (s *Store) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// FailedEntries returns the queue entries that exhausted their retries.
func (s *Store) FailedEntries() []model.QueuedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueuedJob, 0, len(s.failed))
	for _, q := range s.failed {
		out = append(out, *q)
	}
	return out
}

// push adds an entry. Caller holds mu.
func (s *Store) push(q *model.QueuedJob) {
	s.queued[q.JobID] = q
	heap.Push(&s.queue, q)
}

// removeQueued forgets a queued entry; the heap slot is dropped lazily on
// Dequeue. Caller holds mu.
func (s *Store) removeQueued(id string) {
	delete(s.queued, id)
}
