// Package registry owns the in-memory table of jobs. Every read returns a
// snapshot and every write goes through Mutate, so no caller ever holds a
// pointer into the table.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/promptrelay/api-go/internal/model"
)

var (
	// ErrTerminal is returned when a mutation targets a completed or failed job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidMutation is returned when an update would break a job invariant.
	ErrInvalidMutation = errors.New("invalid job mutation")
)

// Publisher receives one event per committed mutation.
type Publisher interface {
	Publish(model.Event)
}

type entry struct {
	mu  sync.Mutex
	job model.Job
}

// Registry is safe for concurrent use. Mutations on the same job are
// linearized by a per-job lock; mutations on different jobs only share a
// short read lock on the table.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	pub Publisher
	now func() time.Time
}

// New creates an empty registry. pub may be nil.
func New(pub Publisher) *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		pub:  pub,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create allocates a pending job and returns its id.
func (r *Registry) Create() string {
	id := uuid.NewString()
	e := &entry{job: model.Job{
		ID:        id,
		Status:    model.JobPending,
		Results:   []model.UnitResult{},
		CreatedAt: r.now(),
	}}

	r.mu.Lock()
	r.jobs[id] = e
	r.mu.Unlock()
	return id
}

// Get returns a snapshot of the job or model.ErrNotFound.
func (r *Registry) Get(id string) (model.Job, error) {
	e := r.lookup(id)
	if e == nil {
		return model.Job{}, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Mutate applies fn to a private copy of the job and commits it only if the
// result is valid. On commit exactly one job_update event is published while
// the job lock is still held, so events for one job leave in mutation order.
//
// Unknown ids, terminal jobs and invalid results leave the job untouched.
func (r *Registry) Mutate(id string, fn func(*model.Job)) error {
	e := r.lookup(id)
	if e == nil {
		return model.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return ErrTerminal
	}

	next := e.job.Clone()
	fn(&next)
	if err := validate(e.job, next); err != nil {
		return err
	}

	e.job = next
	if r.pub != nil {
		r.pub.Publish(model.JobUpdateEvent(next))
	}
	return nil
}

// List returns snapshots of every job, newest first.
func (r *Registry) List() []model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of jobs in the table.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

func validate(prev, next model.Job) error {
	switch {
	case next.ID != prev.ID:
		return fmt.Errorf("%w: id changed", ErrInvalidMutation)
	case !next.CreatedAt.Equal(prev.CreatedAt):
		return fmt.Errorf("%w: createdAt changed", ErrInvalidMutation)
	case !next.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMutation, next.Status)
	case next.Status.Rank() < prev.Status.Rank():
		return fmt.Errorf("%w: status %s -> %s", ErrInvalidMutation, prev.Status, next.Status)
	case next.Total < 0 || next.Progress < 0 || next.Progress > next.Total:
		return fmt.Errorf("%w: progress %d of %d", ErrInvalidMutation, next.Progress, next.Total)
	case len(next.Results) != next.Progress:
		return fmt.Errorf("%w: %d results for progress %d", ErrInvalidMutation, len(next.Results), next.Progress)
	case len(next.Results) < len(prev.Results):
		return fmt.Errorf("%w: results shrank", ErrInvalidMutation)
	case next.CompletedAt != nil && !next.Status.Terminal():
		return fmt.Errorf("%w: completedAt on non-terminal job", ErrInvalidMutation)
	}
	return nil
}
