// Package retention deletes job output directories a fixed time after the
// job finishes.
package retention

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type armed struct {
	timer *time.Timer
}

// Scheduler owns one cancellable timer per job.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*armed

	log     *slog.Logger
	onPurge func(jobID string, err error)
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		timers: make(map[string]*armed),
		log:    log,
	}
}

// OnPurge registers a hook called after every timed deletion.
func (s *Scheduler) OnPurge(fn func(jobID string, err error)) {
	s.mu.Lock()
	s.onPurge = fn
	s.mu.Unlock()
}

// Arm schedules removal of dir after ttl. A job with a deletion already
// armed is left alone and Arm returns false.
func (s *Scheduler) Arm(jobID, dir string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[jobID]; ok {
		return false
	}
	a := &armed{}
	a.timer = time.AfterFunc(ttl, func() { s.fire(jobID, dir, a) })
	s.timers[jobID] = a

	s.log.Info("retention armed", "job_id", jobID, "dir", dir, "ttl", ttl)
	return true
}

func (s *Scheduler) fire(jobID, dir string, a *armed) {
	s.mu.Lock()
	if s.timers[jobID] != a {
		// Cancelled after the timer had already started.
		s.mu.Unlock()
		return
	}
	delete(s.timers, jobID)
	hook := s.onPurge
	s.mu.Unlock()

	err := Purge(dir)
	if err != nil {
		s.log.Error("retention purge failed", "job_id", jobID, "dir", dir, "err", err)
	} else {
		s.log.Info("retention purged", "job_id", jobID, "dir", dir)
	}
	if hook != nil {
		hook(jobID, err)
	}
}

// Cancel disarms a pending deletion.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[jobID]
	if !ok {
		return false
	}
	a.timer.Stop()
	delete(s.timers, jobID)
	return true
}

// Pending returns the number of armed deletions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every pending deletion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

// Purge removes dir and its contents. A missing dir is not an error.
func Purge(dir string) error {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes job directories under root last modified more than ttl ago.
// Timers do not survive a restart, so this runs once at startup.
func Sweep(root string, ttl time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < ttl {
			continue
		}
		if err := Purge(filepath.Join(root, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
