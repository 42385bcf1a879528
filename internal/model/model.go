package model

import (
	"errors"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

var ErrNotFound = errors.New("not found")

// Terminal reports whether no further mutation is allowed once a job reaches s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Both terminal states share a rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	case JobCompleted, JobFailed:
		return 2
	}
	return -1
}

// UnitResult is the outcome of one prompt handed to the executor.
type UnitResult struct {
	Index        int       `json:"index"`
	Prompt       string    `json:"prompt"`
	Success      bool      `json:"success"`
	ArtifactRef  string    `json:"artifactRef,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	Timestamp    time.Time `json:"timestamp"`
}

// Job represents one orchestrated run over an ordered list of prompts.
//
// - Progress always equals len(Results).
// - CompletedAt is set only on the transition to a terminal status.
// - Error is set only when the job itself fails, never for a single prompt.
type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	Progress    int          `json:"progress"`
	Total       int          `json:"total"`
	CurrentTask string       `json:"currentTask"`
	Results     []UnitResult `json:"results"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	out.Results = make([]UnitResult, len(j.Results))
	copy(out.Results, j.Results)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Succeeded counts successful unit results.
func (j Job) Succeeded() int {
	n := 0
	for _, r := range j.Results {
		if r.Success {
			n++
		}
	}
	return n
}
