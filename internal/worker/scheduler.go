// Package worker запускает периодические фоновые задачи сервиса.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/raffle-system/internal/metrics"
)

// Task описывает периодическую задачу.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Locker выдаёт аренду на выполнение задачи, чтобы её запускала только одна реплика.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler запускает каждую задачу в собственной горутине по тикеру.
// Ошибки и паники отдельных запусков логируются и не останавливают планировщик.
type Scheduler struct {
	tasks   []Task
	logger  *zap.Logger
	metrics *metrics.Metrics
	locker  Locker
}

// NewScheduler создаёт планировщик. locker и m могут быть nil.
func NewScheduler(logger *zap.Logger, m *metrics.Metrics, locker Locker, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tasks:   tasks,
		logger:  logger,
		metrics: m,
		locker:  locker,
	}
}

// Run блокируется до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, task := range s.tasks {
		if task.Interval <= 0 {
			return fmt.Errorf("task %s: interval must be positive", task.Name)
		}

		g.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduled task started", zap.String("task", task.Name), zap.Duration("interval", task.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduled task stopped", zap.String("task", task.Name))
			return
		case <-ticker.C:
			s.tick(ctx, task)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, task Task) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, task.Name, task.Interval)
		if err != nil {
			s.metrics.TaskRun(task.Name, "lock_error")
			s.logger.Warn("task lease unavailable", zap.String("task", task.Name), zap.Error(err))
			return
		}
		if !ok {
			s.metrics.TaskRun(task.Name, "skipped")
			return
		}
	}

	if err := runSafely(ctx, task); err != nil {
		s.metrics.TaskRun(task.Name, "error")
		s.logger.Error("scheduled task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}

	s.metrics.TaskRun(task.Name, "ok")
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx)
}
