// SPDX-License-Identifier: MIT

// Package scheduler maintains one recurring timer per job definition. Timers
// are a derived projection of the job registry and are rebuilt from it at
// startup; the scheduler itself persists nothing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
)

// TriggerFunc runs one recording invocation for a job. It may block for the
// whole capture; errors are the trigger's own business and are not retried
// out of schedule.
type TriggerFunc func(ctx context.Context, job registry.Job) error

// Scheduler dispatches job ticks from one goroutine per job.
type Scheduler struct {
	trigger TriggerFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	timers map[string]*jobTimer

	// interval is swapped in tests to avoid minute-scale waits.
	interval func(job registry.Job) time.Duration
}

type jobTimer struct {
	job    registry.Job
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler that invokes trigger on every tick.
func New(trigger TriggerFunc) *Scheduler {
	return &Scheduler{
		trigger: trigger,
		logger:  log.WithComponent("scheduler"),
		timers:  make(map[string]*jobTimer),
		interval: func(job registry.Job) time.Duration {
			return time.Duration(job.Interval) * time.Minute
		},
	}
}

// Upsert installs the timer for a job, replacing any previous one for the
// same id, and fires one immediate tick so a new or edited job does not wait
// a full interval. Idempotent.
func (s *Scheduler) Upsert(job registry.Job) {
	s.mu.Lock()
	if old, ok := s.timers[job.ID]; ok {
		old.cancel()
		delete(s.timers, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &jobTimer{job: job, cancel: cancel, done: make(chan struct{})}
	s.timers[job.ID] = t
	s.mu.Unlock()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job", job.Name).
		Int("interval_min", job.Interval).
		Msg("timer installed")

	go s.loop(ctx, t, job)
}

func (s *Scheduler) loop(ctx context.Context, t *jobTimer, job registry.Job) {
	defer close(t.done)

	// Immediate first firing at registration time.
	s.tick(ctx, job)

	ticker := time.NewTicker(s.interval(job))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Both channels may be ready when the timer was just cancelled;
			// never start a fresh tick after cancellation.
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, job)
		}
	}
}

// tick isolates one invocation: a failing or panicking trigger must never
// kill the job's timer loop or leak into other jobs.
func (s *Scheduler) tick(ctx context.Context, job registry.Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Msg("trigger panicked, timer continues")
		}
	}()

	if err := s.trigger(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("tick failed, retrying on next schedule")
	}
}

// Remove cancels the job's timer. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	t, ok := s.timers[jobID]
	if ok {
		delete(s.timers, jobID)
	}
	s.mu.Unlock()

	if ok {
		t.cancel()
		<-t.done
		s.logger.Info().Str("job_id", jobID).Msg("timer removed")
	}
}

// Sync reconciles the timer set with the given job list: timers for absent
// ids are cancelled, new or changed definitions get a fresh timer, and jobs
// whose definition is unchanged keep their running timer untouched. The last
// point matters because every API write rewrites the registry file and
// retriggers the watcher; an unconditional rebuild would reset every job's
// schedule phase on each save. Used at startup and when the registry file
// changes out of band.
func (s *Scheduler) Sync(jobs []registry.Job) {
	want := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		want[j.ID] = struct{}{}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.timers {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	var changed []registry.Job
	for _, j := range jobs {
		if t, ok := s.timers[j.ID]; ok && t.job == j {
			continue
		}
		changed = append(changed, j)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Remove(id)
	}
	for _, j := range changed {
		s.Upsert(j)
	}
}

// Stop cancels all timers without waiting for their loops. A tick already in
// flight keeps running; callers terminate its capture out of band and then
// call Shutdown to join the loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.cancel()
	}
}

// Shutdown cancels all timers and waits for their loops to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	timers := make([]*jobTimer, 0, len(s.timers))
	for id, t := range s.timers {
		timers = append(timers, t)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, t := range timers {
		t.cancel()
	}
	for _, t := range timers {
		<-t.done
	}
}

// Active returns the number of installed timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
