package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once immediately instead of waiting a full interval.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs each Job on its own ticker. A run never overlaps the previous run
// of the same job. Errors and panics are logged and swallowed.
type Scheduler struct {
	log  *zap.Logger
	jobs []Job
	wg   sync.WaitGroup
}

// NewScheduler returns an empty Scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 || j.Run == nil {
		s.log.Warn("job disabled", zap.String("job", j.Name))
		return
	}
	s.jobs = append(s.jobs, j)
}

// Start launches every registered job. They stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every job goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.RunAtStart {
		s.runOnce(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", zap.String("job", j.Name), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := j.Run(ctx); err != nil {
		s.log.Error("job failed", zap.String("job", j.Name), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
}
