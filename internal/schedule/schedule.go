// Package schedule runs the daily session jobs on weekday wall-clock times.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownJob is returned by RunNow for a name no job carries.
var ErrUnknownJob = errors.New("schedule: unknown job")

// Job is one daily task.
type Job struct {
	Name   string
	Hour   int
	Minute int
	Run    func(ctx context.Context) error
}

func (j Job) at(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), j.Hour, j.Minute, 0, 0, day.Location())
}

// Scheduler fires jobs Monday to Friday in its location.
type Scheduler struct {
	jobs   []Job
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func New(loc *time.Location, logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	if loc == nil {
		return nil, errors.New("schedule: location is required")
	}
	for _, j := range jobs {
		if j.Run == nil || j.Hour < 0 || j.Hour > 23 || j.Minute < 0 || j.Minute > 59 {
			return nil, fmt.Errorf("schedule: invalid job %q", j.Name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Job(nil), jobs...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Hour*60+sorted[a].Minute < sorted[b].Hour*60+sorted[b].Minute
	})
	return &Scheduler{jobs: sorted, loc: loc, logger: logger, now: time.Now}, nil
}

// Next returns the first job strictly after after, skipping weekends.
func (s *Scheduler) Next(after time.Time) (Job, time.Time, bool) {
	if len(s.jobs) == 0 {
		return Job{}, time.Time{}, false
	}
	day := after.In(s.loc)
	for i := 0; i < 8; i++ {
		d := day.AddDate(0, 0, i)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, j := range s.jobs {
			if at := j.at(d); at.After(after) {
				return j, at, true
			}
		}
	}
	return Job{}, time.Time{}, false
}

// Run sleeps until each job is due and fires it in its own goroutine.
// It returns when ctx is done, after running jobs finish.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	last := s.now()
	for {
		job, at, ok := s.Next(last)
		if !ok {
			return
		}
		s.logger.Info("next session job", zap.String("job", job.Name), zap.Time("at", at))
		timer := time.NewTimer(at.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		last = at
		s.fire(ctx, job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session job panic", zap.String("job", job.Name), zap.Any("panic", r))
			}
		}()
		start := s.now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("session job failed", zap.String("job", job.Name), zap.Error(err))
			return
		}
		s.logger.Info("session job done", zap.String("job", job.Name), zap.Duration("took", s.now().Sub(start)))
	}()
}

// RunNow fires the named job immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			s.fire(ctx, j)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

// Wait blocks until fired jobs return.
func (s *Scheduler) Wait() { s.wg.Wait() }
