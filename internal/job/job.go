package job

import (
	"sync"
	"time"
)

// Status represents the lifecycle state of a transcription job
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Error codes surfaced to callers alongside the human-readable message.
const (
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeAgentUnavailable = "AGENT_UNAVAILABLE"
	CodeConversionFailed = "UNSUPPORTED_FORMAT_CONVERSION_FAILED"
	CodeSourceLost       = "SOURCE_ARTIFACT_LOST"
	CodeTimeout          = "TIMEOUT"
	CodeUnexpected       = "UNEXPECTED"
)

// IsTerminal reports whether a status ends the current attempt.
// A timed-out job may still re-enter pending through a retry transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Result holds the transcript and derived metrics of a completed job
type Result struct {
	Text           string  `json:"text"`
	Words          int     `json:"words"`
	ProcessingTime float64 `json:"processing_time"` // seconds
	AudioDuration  float64 `json:"audio_duration"`  // estimated seconds
	RTF            float64 `json:"rtf"`             // processing time / audio duration
	Format         string  `json:"format"`
	FileSizeMB     float64 `json:"file_size_mb"`
	Model          string  `json:"model"`
}

// Failure describes why a job ended in a failed or timed-out state
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the tracked record of a single transcription request. Field
// mutation goes through the store so that the per-record mutex serializes
// concurrent transitions without contending across records.
type Job struct {
	mu sync.Mutex

	ID               string
	OriginalFilename string
	InputPath        string // temporary upload owned by the job until terminal
	Format           string
	FileSizeMB       float64

	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	Result      *Result
	Failure     *Failure
}

// Snapshot is an immutable copy of a job's state for JSON responses
type Snapshot struct {
	ID               string     `json:"job_id"`
	OriginalFilename string     `json:"filename"`
	InputPath        string     `json:"-"`
	Format           string     `json:"format,omitempty"`
	FileSizeMB       float64    `json:"file_size_mb"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
	ProcessingTime   *float64   `json:"processing_time,omitempty"`
	Age              float64    `json:"age"`
	Result           *Result    `json:"result,omitempty"`
	Error            *Failure   `json:"error,omitempty"`
}

// Snapshot returns a consistent copy of the job for read-only consumers
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:               j.ID,
		OriginalFilename: j.OriginalFilename,
		InputPath:        j.InputPath,
		Format:           j.Format,
		FileSizeMB:       j.FileSizeMB,
		Status:           j.Status,
		CreatedAt:        j.CreatedAt,
		RetryCount:       j.RetryCount,
		Age:              time.Since(j.CreatedAt).Seconds(),
		Result:           j.Result,
		Error:            j.Failure,
	}

	if j.StartedAt != nil {
		started := *j.StartedAt
		snap.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		snap.CompletedAt = &completed
	}
	if j.StartedAt != nil && j.CompletedAt != nil {
		processing := j.CompletedAt.Sub(*j.StartedAt).Seconds()
		snap.ProcessingTime = &processing
	}

	return snap
}

// CurrentStatus returns the job's status under the record lock
func (j *Job) CurrentStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// validTransition enforces the allowed state machine edges. Retries re-enter
// pending only through the store's retry transition, never directly.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusFailed
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed || to == StatusTimedOut
	case StatusTimedOut:
		return to == StatusPending
	default:
		return false
	}
}
