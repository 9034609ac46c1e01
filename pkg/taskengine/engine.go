/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package taskengine runs durable background jobs. Every job is backed
// by a task row; the row is the source of truth for progress and for
// cooperative cancellation, so a restarted process can report on jobs
// it no longer runs.
package taskengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CaoBiang/Manga-ULM/pkg/catalog"
	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// Runner does the actual work of one task. Returning liberr.ErrCancelled
// (or a wrap of it) finishes the task as cancelled; any other error
// finishes it as failed.
type Runner func(ctx context.Context, h *Handle) error

// Spec describes a task to submit.
type Spec struct {
	Type          string
	Name          string
	TargetPath    string
	LibraryPathID *int64
	// Exclusive refuses submission while another task of the same
	// type is active for the same target. A nil LibraryPathID means
	// the whole library, which conflicts with everything of the type.
	Exclusive bool
	// CancelPollInterval throttles Handle.Cancelled store reads.
	CancelPollInterval time.Duration
}

// Engine dispatches runners and owns their lifecycle records.
type Engine struct {
	store *catalog.Store
	log   *logrus.Entry

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// New returns an Engine persisting tasks in store.
func New(store *catalog.Store, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{store: store, log: log}
}

// Submit persists a pending task and dispatches run on its own
// goroutine. For exclusive specs an active task of the same type and
// target makes it fail with a conflict naming the active task id.
func (e *Engine) Submit(ctx context.Context, spec Spec, run Runner) (*catalog.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("task engine is shut down")
	}

	if spec.Exclusive {
		var target int64
		if spec.LibraryPathID != nil {
			target = *spec.LibraryPathID
		}
		active, err := e.store.ActiveTaskForTarget(spec.Type, target)
		if err != nil {
			return nil, err
		}
		if active == 0 && target != 0 {
			// A whole-library task of this type also blocks per-root
			// submissions.
			if active, err = e.activeGlobal(spec.Type); err != nil {
				return nil, err
			}
		}
		if active != 0 {
			return nil, errors.Wrapf(liberr.ErrConflict,
				"%s already active as task %d", spec.Type, active)
		}
	}

	task := &catalog.Task{
		Type:          spec.Type,
		Name:          spec.Name,
		TargetPath:    spec.TargetPath,
		LibraryPathID: spec.LibraryPathID,
	}
	if err := e.store.CreateTask(task); err != nil {
		return nil, err
	}
	workerID := uuid.NewString()
	if err := e.store.SetTaskWorker(task.ID, workerID); err != nil {
		return nil, err
	}
	task.WorkerID = workerID

	interval := spec.CancelPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	h := &Handle{
		TaskID:       task.ID,
		store:        e.store,
		pollInterval: interval,
	}

	e.wg.Add(1)
	go e.runTask(task, h, run)
	return task, nil
}

// activeGlobal finds a non-terminal task of taskType with no root,
// which targets the whole library.
func (e *Engine) activeGlobal(taskType string) (int64, error) {
	tasks, err := e.store.ListTasks(catalog.TaskFilter{Type: taskType, ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if t.LibraryPathID == nil {
			return t.ID, nil
		}
	}
	return 0, nil
}

func (e *Engine) runTask(task *catalog.Task, h *Handle, run Runner) {
	defer e.wg.Done()
	log := e.log.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
	})

	if err := e.store.MarkTaskRunning(task.ID); err != nil {
		log.WithError(err).Error("task could not start")
		return
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("task panic: %v", r)
			}
		}()
		runErr = run(context.Background(), h)
	}()

	switch {
	case runErr == nil:
		if err := e.store.FinishTask(task.ID, catalog.TaskCompleted, ""); err != nil {
			log.WithError(err).Error("finish task")
		}
		log.Info("task completed")
	case errors.Is(runErr, liberr.ErrCancelled):
		if err := e.store.FinishTask(task.ID, catalog.TaskCancelled, ""); err != nil {
			log.WithError(err).Error("finish task")
		}
		log.Info("task cancelled")
	default:
		if err := e.store.FinishTask(task.ID, catalog.TaskFailed, runErr.Error()); err != nil {
			log.WithError(err).Error("finish task")
		}
		log.WithError(runErr).Warn("task failed")
	}
}

// Cancel requests cooperative cancellation of a pending or running
// task. The worker observes it on its next throttled poll.
func (e *Engine) Cancel(taskID int64) error {
	return e.store.RequestTaskCancel(taskID)
}

// CleanupHistory trims terminal tasks older than retentionDays.
func (e *Engine) CleanupHistory(retentionDays int) (int64, error) {
	return e.store.DeleteTerminalTasksBefore(time.Duration(retentionDays) * 24 * time.Hour)
}

// Shutdown stops accepting tasks and waits for running ones.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Handle is what a Runner sees of its own task row.
type Handle struct {
	TaskID       int64
	store        *catalog.Store
	pollInterval time.Duration

	lastPoll      time.Time
	lastCancelled bool
}

// Progress writes the live counters. Calls after cancellation are
// silently dropped by the store.
func (h *Handle) Progress(processed, total int64, currentTarget string) {
	_ = h.store.UpdateTaskProgress(h.TaskID, processed, total, currentTarget, "")
}

// Fail records a per-item error message without finishing the task.
func (h *Handle) Fail(processed, total int64, currentTarget, errMsg string) {
	_ = h.store.UpdateTaskProgress(h.TaskID, processed, total, currentTarget, errMsg)
}

// Cancelled polls the store at most once per poll interval; between
// polls the last answer is reused, so hot loops stay cheap. A store
// read failure reads as not cancelled.
func (h *Handle) Cancelled() bool {
	if h.lastCancelled {
		return true
	}
	if time.Since(h.lastPoll) < h.pollInterval {
		return h.lastCancelled
	}
	h.lastPoll = time.Now()
	cancelled, err := h.store.TaskCancelled(h.TaskID)
	if err != nil {
		return false
	}
	h.lastCancelled = cancelled
	return cancelled
}

// CheckCancelled converts an observed cancellation into the error a
// Runner returns.
func (h *Handle) CheckCancelled() error {
	if h.Cancelled() {
		return errors.Wrapf(liberr.ErrCancelled, "task %d", h.TaskID)
	}
	return nil
}
