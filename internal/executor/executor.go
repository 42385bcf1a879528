// Package executor defines the boundary to the external automation resource
// that turns one prompt into one artifact.
package executor

import (
	"context"
	"errors"
)

// ErrNoArtifact is returned when a unit ran but produced nothing.
var ErrNoArtifact = errors.New("no artifact produced")

// Request is one unit of work.
type Request struct {
	JobID     string
	Index     int
	Prompt    string
	OutputDir string
}

// Artifact identifies the file a unit produced inside Request.OutputDir.
type Artifact struct {
	Filename string
	Size     int64
}

// Session is a live handle on the external resource, opened once per job.
// Execute is never called concurrently on the same executor; callers
// serialize through the execution slot.
type Session interface {
	Execute(ctx context.Context, req Request) (Artifact, error)
	Close() error
}

// Executor opens sessions. An Open failure is fatal to the job.
type Executor interface {
	Open(ctx context.Context, jobID string) (Session, error)
}
