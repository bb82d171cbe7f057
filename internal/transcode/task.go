// SPDX-License-Identifier: MIT

package transcode

import "time"

// Status is the terminal-state machine of one conversion attempt:
// absent -> processing -> {completed, failed}.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task tracks one transcode attempt, keyed by job id and source filename.
// Tasks are retained in memory for status queries and lost on restart.
type Task struct {
	JobID    string    `json:"job_id"`
	File     string    `json:"file"`
	Status   Status    `json:"status"`
	Progress float64   `json:"progress"` // [0,100], monotonically non-decreasing
	Quality  string    `json:"quality"`
	Started  time.Time `json:"started"`
	Ended    time.Time `json:"ended,omitempty"`

	OriginalSize int64 `json:"original_size,omitempty"`
	NewSize      int64 `json:"new_size,omitempty"`
}

type taskKey struct {
	jobID string
	file  string
}
