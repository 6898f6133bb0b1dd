package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a periodic task. A zero Interval disables it.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once on Start before the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. Runs of one job never overlap;
// a tick that arrives while the job is still running is dropped.
type Scheduler struct {
	log  *slog.Logger
	jobs []Job

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var ErrStarted = errors.New("scheduler: already started")

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log.With("component", "scheduler")}
}

// Add registers j. It must be called before Start.
func (s *Scheduler) Add(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if j.Run == nil || j.Interval <= 0 {
		s.log.Info("job disabled", "job", j.Name)
		return nil
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches every job and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	log := s.log.With("job", j.Name)
	log.Info("job scheduled", "interval", j.Interval.String())

	if j.Immediate {
		s.runOnce(ctx, log, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, log, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, log *slog.Logger, j Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
		}
	}()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Error("job failed", "err", err, "took", time.Since(start).String())
		return
	}
	log.Debug("job finished", "took", time.Since(start).String())
}
