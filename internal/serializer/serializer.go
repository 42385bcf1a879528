// Package serializer guards the executor's single execution slot.
package serializer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Serializer hands out at most one permit at a time. Waiters are served in
// the order they called Acquire.
type Serializer struct {
	sem     *semaphore.Weighted
	waiting atomic.Int64
	busy    atomic.Bool
}

func New() *Serializer {
	return &Serializer{sem: semaphore.NewWeighted(1)}
}

// Permit is the exclusive right to use the executor slot.
type Permit struct {
	s    *Serializer
	once sync.Once
}

// Release returns the slot. Calling it more than once is harmless.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.s.busy.Store(false)
		p.s.sem.Release(1)
	})
}

// Acquire blocks until the slot is free or ctx is done. A caller whose
// context ends while queued never takes the slot.
func (s *Serializer) Acquire(ctx context.Context) (*Permit, error) {
	s.waiting.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	s.busy.Store(true)
	return &Permit{s: s}, nil
}

// Do runs fn while holding the slot. The slot is released when fn returns,
// errors or panics; a panic is converted into the returned error.
func (s *Serializer) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	permit, err := s.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire executor slot: %w", err)
	}
	defer permit.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Waiting is the number of callers queued for the slot.
func (s *Serializer) Waiting() int { return int(s.waiting.Load()) }

// Busy reports whether a permit is currently outstanding.
func (s *Serializer) Busy() bool { return s.busy.Load() }
