// Package cron runs the maintenance jobs on cron expressions.
package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// Job is one named task. Run must return promptly once ctx is done.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

type Scheduler struct {
	gron *gronx.Gronx
	now  func() time.Time

	mu   sync.Mutex
	jobs []Job
	runs map[string]int
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		gron: gronx.New(),
		now:  time.Now,
		runs: make(map[string]int),
	}
}

// Add registers a job. An empty schedule disables it.
func (s *Scheduler) Add(name, schedule string, run func(ctx context.Context)) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		logger.InfoCF("cron", "Job disabled", map[string]any{"job": name})
		return nil
	}
	if !s.gron.IsValid(schedule) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, schedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Schedule: schedule, Run: run})
	return nil
}

// Len reports the number of enabled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Runs reports how often each job has fired.
func (s *Scheduler) Runs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.runs))
	for k, v := range s.runs {
		out[k] = v
	}
	return out
}

// RunDue runs, in registration order, every job due at the given minute
// and returns their names.
func (s *Scheduler) RunDue(ctx context.Context, at time.Time) []string {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var ran []string
	for _, job := range jobs {
		due, err := s.gron.IsDue(job.Schedule, at)
		if err != nil {
			logger.WarnCF("cron", "Schedule check failed", map[string]any{"job": job.Name, "error": err.Error()})
			continue
		}
		if !due {
			continue
		}
		start := s.now()
		job.Run(ctx)
		logger.DebugCF("cron", "Job ran", map[string]any{
			"job":         job.Name,
			"duration_ms": s.now().Sub(start).Milliseconds(),
		})
		s.mu.Lock()
		s.runs[job.Name]++
		s.mu.Unlock()
		ran = append(ran, job.Name)
	}
	return ran
}

// next returns the earliest tick after ref across all jobs.
func (s *Scheduler) next(ref time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, job := range s.jobs {
		tick, err := gronx.NextTickAfter(job.Schedule, ref, false)
		if err != nil {
			continue
		}
		if earliest.IsZero() || tick.Before(earliest) {
			earliest = tick
		}
	}
	return earliest, !earliest.IsZero()
}

// Run blocks, firing jobs on their schedules, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.InfoCF("cron", "Scheduler started", map[string]any{"jobs": s.Len()})
	defer logger.InfoC("cron", "Scheduler stopped")

	for {
		tick, ok := s.next(s.now())
		if !ok {
			<-ctx.Done()
			return nil
		}
		timer := time.NewTimer(time.Until(tick))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.RunDue(ctx, tick)
		}
	}
}
