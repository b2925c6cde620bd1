package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

// ErrCapacityExceeded is returned when the queue ceiling of non-terminal
// jobs has been reached.
var ErrCapacityExceeded = errors.New("transcription queue is full")

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// Store is the authoritative in-memory table of job records. Membership is
// guarded by the store lock; per-record mutation is serialized by each
// record's own mutex.
type Store struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	logger *slog.Logger

	maxQueueSize int
	maxRetries   int
	retention    time.Duration
	sweepEvery   time.Duration

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Stats is a read-only snapshot of queue occupancy
type Stats struct {
	QueueSize         int            `json:"queue_size"` // pending + active
	TotalJobs         int            `json:"total_jobs"`
	MaxQueueSize      int            `json:"max_queue_size"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	StatusCounts      map[Status]int `json:"status_counts"`
}

// NewStore creates a job store and starts its periodic eviction sweep
func NewStore(logger *slog.Logger, cfg config.QueueConfig) *Store {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		jobs:         make(map[string]*Job),
		logger:       logger,
		maxQueueSize: cfg.MaxQueueSize,
		maxRetries:   cfg.MaxRetries,
		retention:    cfg.GetRetentionDuration(),
		sweepEvery:   cfg.GetCleanupInterval(),
		ctx:          ctx,
		cancel:       cancel,
		cleanup:      make(chan struct{}),
	}

	go s.startCleanupRoutine()

	return s
}

// Create allocates a new pending job. It fails with ErrCapacityExceeded if
// the count of non-terminal jobs already equals the queue ceiling.
func (s *Store) Create(inputPath, originalFilename, format string, fileSizeMB float64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonTerminal := 0
	for _, j := range s.jobs {
		if !j.CurrentStatus().IsTerminal() {
			nonTerminal++
		}
	}

	if nonTerminal >= s.maxQueueSize {
		s.logger.Error("Queue full, cannot add job",
			slog.Int("pending_jobs", nonTerminal),
			slog.Int("max_size", s.maxQueueSize),
		)
		return nil, ErrCapacityExceeded
	}

	j := &Job{
		ID:               uuid.NewString(),
		InputPath:        inputPath,
		OriginalFilename: originalFilename,
		Format:           format,
		FileSizeMB:       fileSizeMB,
		Status:           StatusPending,
		CreatedAt:        time.Now(),
	}
	s.jobs[j.ID] = j

	s.logger.Info("Job created and queued",
		slog.String("job_id", j.ID),
		slog.String("filename", originalFilename),
		slog.Int("queue_size", nonTerminal+1),
	)

	return j, nil
}

// Get retrieves a job by id
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	return j, ok
}

// Transition applies a state machine transition and updates timestamps.
// Unknown ids are logged and ignored; invalid edges return an error without
// mutating the record.
func (s *Store) Transition(id string, to Status, result *Result, failure *Failure) error {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		s.logger.Warn("Job not found for update", slog.String("job_id", id))
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !validTransition(j.Status, to) {
		return fmt.Errorf("invalid transition for job %s: %s -> %s", id, j.Status, to)
	}

	j.Status = to

	now := time.Now()
	if to == StatusActive && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.IsTerminal() {
		j.CompletedAt = &now
		j.Result = result
		j.Failure = failure
	}

	var processing float64
	if j.StartedAt != nil && j.CompletedAt != nil {
		processing = j.CompletedAt.Sub(*j.StartedAt).Seconds()
	}
	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(to)),
		slog.Float64("processing_time", processing),
	)

	return nil
}

// ForceTransition moves a job to a terminal state only if it is currently in
// the expected state. Used by the watchdog so a just-completed job is never
// clobbered.
func (s *Store) ForceTransition(id string, from, to Status, failure *Failure) bool {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != from || !validTransition(from, to) {
		return false
	}

	j.Status = to
	now := time.Now()
	j.CompletedAt = &now
	j.Result = nil
	j.Failure = failure

	s.logger.Warn("Job force-transitioned",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", failure.Message),
	)

	return true
}

// AdminFail force-fails a job regardless of its current state. Completed
// jobs with consistent timestamps are left alone so a successful transcript
// is never clobbered by an administrative sweep.
func (s *Store) AdminFail(id string, failure *Failure) bool {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == StatusCompleted {
		consistent := j.StartedAt == nil || j.CompletedAt == nil || !j.CompletedAt.Before(*j.StartedAt)
		if consistent {
			return false
		}
	}

	j.Status = StatusFailed
	now := time.Now()
	j.CompletedAt = &now
	j.Result = nil
	j.Failure = failure

	s.logger.Warn("Job force-failed by admin cleanup",
		slog.String("job_id", id),
		slog.String("reason", failure.Message),
	)

	return true
}

// ResetForRetry atomically re-enters a timed-out job into pending, clearing
// the per-attempt fields. The retry_count bound is enforced here and only
// here. Returns the new retry count and whether the retry was granted.
func (s *Store) ResetForRetry(id string) (int, bool) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return 0, false
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != StatusTimedOut || j.RetryCount >= s.maxRetries {
		return j.RetryCount, false
	}

	j.RetryCount++
	j.Status = StatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Failure = nil

	s.logger.Info("Job reset for retry",
		slog.String("job_id", id),
		slog.Int("retry_count", j.RetryCount),
	)

	return j.RetryCount, true
}

// RetriesExhausted reports whether a job has used up its retry budget
func (s *Store) RetriesExhausted(id string) bool {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return true
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.RetryCount >= s.maxRetries
}

// SweepExpired removes terminal jobs older than the retention window.
// Non-terminal jobs are never evicted regardless of age.
func (s *Store) SweepExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		j.mu.Lock()
		expired := j.Status.IsTerminal() && now.Sub(j.CreatedAt) > s.retention
		j.mu.Unlock()

		if expired {
			delete(s.jobs, id)
			removed++
			s.logger.Info("Old job cleaned up", slog.String("job_id", id))
		}
	}

	if removed > 0 {
		s.logger.Info("Job eviction sweep completed",
			slog.Int("jobs_removed", removed),
			slog.Int("jobs_remaining", len(s.jobs)),
		)
	}

	return removed
}

// Stats returns counts per status and the configured ceilings
func (s *Store) Stats(maxConcurrent int) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[Status]int{
		StatusPending:   0,
		StatusActive:    0,
		StatusCompleted: 0,
		StatusFailed:    0,
		StatusTimedOut:  0,
	}

	nonTerminal := 0
	for _, j := range s.jobs {
		status := j.CurrentStatus()
		counts[status]++
		if !status.IsTerminal() {
			nonTerminal++
		}
	}

	return Stats{
		QueueSize:         nonTerminal,
		TotalJobs:         len(s.jobs),
		MaxQueueSize:      s.maxQueueSize,
		MaxConcurrentJobs: maxConcurrent,
		StatusCounts:      counts,
	}
}

// All returns snapshots of every tracked job
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		snaps = append(snaps, j.Snapshot())
	}
	return snaps
}

// History returns the most recent jobs, newest first, capped at limit
func (s *Store) History(limit int) []Snapshot {
	snaps := s.All()

	sort.Slice(snaps, func(i, k int) bool {
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})

	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps
}

// Stop halts the eviction sweep and waits for it to finish
func (s *Store) Stop() {
	s.cancel()
	<-s.cleanup
}

// startCleanupRoutine runs the periodic eviction sweep until cancelled
func (s *Store) startCleanupRoutine() {
	defer close(s.cleanup)

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	s.logger.Info("Job eviction routine started",
		slog.Duration("retention", s.retention),
		slog.Duration("check_interval", s.sweepEvery),
	)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Job eviction routine stopping")
			return

		case <-ticker.C:
			s.SweepExpired()
		}
	}
}
