package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

const (
	taskTimeout   = 5 * time.Minute
	maxRetryDelay = 30 * time.Second
	queueSize     = 300
)

// Planner returns the tasks to run on a tick.
type Planner func() []TaskInterface

// Scheduler runs planned tasks on a ticker with a fixed pool of workers. A
// task type that is still queued or running is not planned again, so a slow
// fetch round never overlaps the next one.
type Scheduler struct {
	planners    []Planner
	interval    time.Duration
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface

	mu       sync.Mutex
	inFlight map[TaskType]bool
}

func NewScheduler(interval time.Duration, workerCount int, planners ...Planner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if workerCount < 1 {
		workerCount = 1
	}

	return &Scheduler{
		planners:    planners,
		interval:    interval,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, queueSize),
		inFlight:    make(map[TaskType]bool),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) enqueueTasks() {
	for _, plan := range s.planners {
		for _, task := range plan() {
			if !s.claim(task.GetType()) {
				slog.Debug("Previous task still in progress, skipping", "type", string(task.GetType()))
				continue
			}
			if err := s.EnqueueTask(task); err != nil {
				s.release(task.GetType())
				slog.Warn("Failed to enqueue task", "type", string(task.GetType()), "error", err)
			}
		}
	}
}

func (s *Scheduler) claim(taskType TaskType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[taskType] {
		return false
	}
	s.inFlight[taskType] = true
	return true
}

func (s *Scheduler) release(taskType TaskType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskType)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		s.release(task.GetType())
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() || s.ctx.Err() != nil {
		s.release(task.GetType())
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := retryDelay(task.GetRetryCount())

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			s.release(task.GetType())
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-timer.C:
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				s.release(task.GetType())
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}

// retryDelay doubles from one second per retry, capped at maxRetryDelay.
func retryDelay(retryCount int) time.Duration {
	delay := time.Second
	for i := 1; i < retryCount && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}
