// Package jobs runs named periodic tasks with bounded retries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/metrics"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is one periodic job. Run must be idempotent: a failed or repeated
// run is simply picked up again on the next tick.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RetryPolicy bounds retries of a failed run. Attempts counts retries after
// the first run.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

type Config struct {
	Retry  RetryPolicy
	Logger *zap.Logger
}

type entry struct {
	task Task
	mu   sync.Mutex // one run at a time per task
}

type Scheduler struct {
	retry   RetryPolicy
	logger  *zap.Logger
	tasks   map[string]*entry
	order   []string
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped sync.Once
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retry.Attempts < 0 {
		cfg.Retry.Attempts = 0
	}
	return &Scheduler{
		retry:  cfg.Retry,
		logger: cfg.Logger,
		tasks:  make(map[string]*entry),
		quit:   make(chan struct{}),
	}
}

// Add registers tasks. It must be called before Start.
func (s *Scheduler) Add(tasks ...Task) error {
	if s.started {
		return errors.New("scheduler already started")
	}
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil || t.Interval <= 0 {
			return fmt.Errorf("invalid task %q", t.Name)
		}
		if _, dup := s.tasks[t.Name]; dup {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		s.tasks[t.Name] = &entry{task: t}
		s.order = append(s.order, t.Name)
	}
	return nil
}

// Tasks lists registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	return append([]string(nil), s.order...)
}

// Start launches one ticker loop per task.
func (s *Scheduler) Start() {
	s.started = true
	for _, name := range s.order {
		e := s.tasks[name]
		s.wg.Add(1)
		go s.loop(e)
	}
	s.logger.Info("scheduler started", zap.Strings("tasks", s.order))
}

// Stop stops scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.execute(context.Background(), e)
		case <-s.quit:
			return
		}
	}
}

// RunNow runs the named task once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.task.Name
	start := time.Now()
	defer func() {
		metrics.TaskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 0; attempt <= s.retry.Attempts; attempt++ {
		if attempt > 0 {
			metrics.TaskRetries.WithLabelValues(name).Inc()
			select {
			case <-time.After(s.retry.Delay):
			case <-s.quit:
				s.logger.Warn("task retry abandoned on shutdown", zap.String("task", name), zap.Error(err))
				metrics.TaskRuns.WithLabelValues(name, "failed").Inc()
				return err
			case <-ctx.Done():
				metrics.TaskRuns.WithLabelValues(name, "failed").Inc()
				return ctx.Err()
			}
		}
		err = e.task.Run(ctx)
		if err == nil {
			metrics.TaskRuns.WithLabelValues(name, "success").Inc()
			return nil
		}
		s.logger.Debug("task attempt failed", zap.String("task", name), zap.Int("attempt", attempt+1), zap.Error(err))
	}

	metrics.TaskRuns.WithLabelValues(name, "failed").Inc()
	s.logger.Error("task failed, skipping until next run",
		zap.String("task", name), zap.Int("attempts", s.retry.Attempts+1), zap.Error(err))
	return err
}
