// Package job defines the data model shared by the ingress adapter, the
// drip scheduler, and the durable job store: the Job a caller submits, the
// Batch it may belong to, and the Result recorded once it reaches a
// terminal state.
package job

import (
	"encoding/json"
	"time"
)

// Status is the terminal or in-flight state of a Job.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusActive       Status = "active"
	StatusDelayedRetry Status = "delayed_retry"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Job is a single unit of downstream work plus its correlation metadata.
type Job struct {
	JobID        string         `json:"job_id"`
	Tool         string         `json:"tool"`
	Params       map[string]any `json:"params"`
	RowID        string         `json:"row_id"`
	BatchID      string         `json:"batch_id,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
	Priority     int            `json:"priority"`
	AttemptsMade int            `json:"attempts_made"`
	MaxAttempts  int            `json:"max_attempts"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Marshal serializes a Job to JSON for storage in the queue.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a Job previously written by Marshal.
func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Batch aggregates accounting for a group of jobs submitted together.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
}

// Pending returns the number of jobs neither completed nor failed yet.
func (b *Batch) Pending() int64 {
	p := b.Total - b.Completed - b.Failed
	if p < 0 {
		return 0
	}
	return p
}

// Done reports whether every job in the batch has reached a terminal state.
func (b *Batch) Done() bool {
	return b.Completed+b.Failed >= b.Total
}

// Result is written once per job on terminal outcome.
type Result struct {
	JobID      string          `json:"job_id"`
	RowID      string          `json:"row_id"`
	Tool       string          `json:"tool"`
	BatchID    string          `json:"batch_id,omitempty"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Marshal serializes a Result to JSON for storage.
func (r *Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult deserializes a Result previously written by Marshal.
func UnmarshalResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
