// Package runtime manages named background tasks for the serve surface:
// the skills watcher, the stats gauge refresher, and anything else that
// must outlive a request and die cleanly on shutdown.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// Task is a snapshot of one background task.
type Task struct {
	Name      string
	StartTime time.Time
	Status    TaskStatus
	Err       error

	cancel context.CancelFunc
}

// TaskFunc runs until done or until its context is canceled.
type TaskFunc func(ctx context.Context) error

// TaskManager owns a set of named tasks. StopAll cancels every task;
// Wait blocks until they have all returned.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskManager scopes all tasks under ctx.
func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches fn as a named task. Names are unique while the manager
// lives; a finished task's name stays taken so status remains readable.
func (tm *TaskManager) Start(name string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.tasks[name]; exists {
		return fmt.Errorf("task %s already exists", name)
	}

	taskCtx, taskCancel := context.WithCancel(tm.ctx)
	task := &Task{
		Name:      name,
		StartTime: time.Now(),
		Status:    TaskStatusRunning,
		cancel:    taskCancel,
	}
	tm.tasks[name] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"task": name, "panic": r}).Error("runtime: task panicked")
				tm.setStatus(task, TaskStatusFailed, fmt.Errorf("panic: %v", r))
			}
		}()

		log.WithField("task", name).Info("runtime: task started")
		err := fn(taskCtx)

		switch {
		case err == nil:
			tm.setStatus(task, TaskStatusStopped, nil)
			log.WithField("task", name).Info("runtime: task stopped")
		case taskCtx.Err() == context.Canceled:
			tm.setStatus(task, TaskStatusCanceled, nil)
		default:
			tm.setStatus(task, TaskStatusFailed, err)
			log.WithFields(log.Fields{"task": name}).WithError(err).Error("runtime: task failed")
		}
	}()

	return nil
}

// StartPeriodic runs fn immediately and then on every interval tick
// until the task is stopped. fn errors are logged, not fatal.
func (tm *TaskManager) StartPeriodic(name string, interval time.Duration, fn TaskFunc) error {
	return tm.Start(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func() {
			if err := fn(ctx); err != nil {
				log.WithField("task", name).WithError(err).Warn("runtime: periodic run failed")
			}
		}
		run()

		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Stop cancels one running task.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, exists := tm.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}
	if task.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	task.cancel()
	return nil
}

// StopAll cancels every task.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until all tasks have returned.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// Status returns a copy of the named task's state.
func (tm *TaskManager) Status(name string) (Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, exists := tm.tasks[name]
	if !exists {
		return Task{}, false
	}
	return Task{Name: task.Name, StartTime: task.StartTime, Status: task.Status, Err: task.Err}, true
}

// List returns a snapshot of every task.
func (tm *TaskManager) List() []Task {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	out := make([]Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		out = append(out, Task{Name: task.Name, StartTime: task.StartTime, Status: task.Status, Err: task.Err})
	}
	return out
}

func (tm *TaskManager) setStatus(task *Task, status TaskStatus, err error) {
	tm.mu.Lock()
	task.Status = status
	task.Err = err
	tm.mu.Unlock()
}
