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

package catalog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

const taskCols = `id, name, task_type, COALESCE(worker_id, ''), status, progress,
	current_target, target_path, library_path_id, total_items, processed_items,
	error_message, created_at, started_at, finished_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.WorkerID, &t.Status, &t.Progress,
		&t.CurrentTarget, &t.TargetPath, &t.LibraryPathID, &t.TotalItems,
		&t.ProcessedItems, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskByID loads one task row.
func (s *Store) TaskByID(id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFoundf("task %d", id)
	}
	return t, errors.Wrap(err, "load task")
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status     string
	Type       string
	ActiveOnly bool
	Limit      int
}

// ListTasks returns the newest tasks matching f. Limit defaults to 20.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		q += ` AND task_type = ?`
		args = append(args, f.Type)
	}
	if f.ActiveOnly {
		q += ` AND status IN (?, ?)`
		args = append(args, TaskPending, TaskRunning)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask inserts a pending task and fills its id.
func (s *Store) CreateTask(t *Task) error {
	return s.write(func(tx *sql.Tx) error {
		t.Status = TaskPending
		t.CreatedAt = now()
		res, err := tx.Exec(`INSERT INTO tasks
			(name, task_type, worker_id, status, progress, current_target,
			 target_path, library_path_id, total_items, processed_items, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, 0, '', ?, ?, ?, 0, ?)`,
			t.Name, t.Type, t.WorkerID, t.Status, t.TargetPath,
			t.LibraryPathID, t.TotalItems, t.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "insert task")
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// SetTaskWorker records the dispatch handle of a task.
func (s *Store) SetTaskWorker(id int64, workerID string) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET worker_id = ? WHERE id = ?`, workerID, id)
		return errors.Wrap(err, "set task worker")
	})
}

// MarkTaskRunning moves a pending task to running and stamps started_at.
// Terminal tasks are left untouched.
func (s *Store) MarkTaskRunning(id int64) error {
	return s.write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`, TaskRunning, now(), id, TaskPending)
		return errors.Wrap(err, "mark task running")
	})
}

// UpdateTaskProgress rewrites the live counters of a running task.
// Progress is recomputed from the counters.
func (s *Store) UpdateTaskProgress(id int64, processed, total int64, currentTarget, errMsg string) error {
	var pct float64
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return s.write(func(tx *sql.Tx) error {
		q := `UPDATE tasks SET processed_items = ?, total_items = ?, progress = ?,
			current_target = ?`
		args := []interface{}{processed, total, pct, currentTarget}
		if errMsg != "" {
			q += `, error_message = ?`
			args = append(args, errMsg)
		}
		q += ` WHERE id = ? AND status = ?`
		args = append(args, id, TaskRunning)
		_, err := tx.Exec(q, args...)
		return errors.Wrap(err, "update task progress")
	})
}

// FinishTask moves a task to a terminal state exactly once. A task
// already terminal (for example cancelled mid-flight) keeps its state.
func (s *Store) FinishTask(id int64, state, errMsg string) error {
	switch state {
	case TaskCompleted, TaskFailed, TaskCancelled:
	default:
		return liberr.BadRequestf("not a terminal task state: %q", state)
	}
	return s.write(func(tx *sql.Tx) error {
		q := `UPDATE tasks SET status = ?, finished_at = ?`
		args := []interface{}{state, now()}
		if errMsg != "" {
			q += `, error_message = ?`
			args = append(args, errMsg)
		}
		if state == TaskCompleted {
			q += `, progress = 100`
		}
		q += ` WHERE id = ? AND status IN (?, ?)`
		args = append(args, id, TaskPending, TaskRunning)
		_, err := tx.Exec(q, args...)
		return errors.Wrap(err, "finish task")
	})
}

// RequestTaskCancel marks a pending or running task cancelled. Workers
// notice on their next throttled poll; the state is already terminal
// and sticky from this point.
func (s *Store) RequestTaskCancel(id int64) error {
	var affected int64
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET status = ?, finished_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			TaskCancelled, now(), id, TaskPending, TaskRunning)
		if err != nil {
			return errors.Wrap(err, "cancel task")
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		t, err := s.TaskByID(id)
		if err != nil {
			return err
		}
		return liberr.Conflictf("task %d is already %s", id, t.Status)
	}
	return nil
}

// TaskCancelled reports whether the task was cancelled. Workers treat
// the stored state as authoritative.
func (s *Store) TaskCancelled(id int64) (bool, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, liberr.NotFoundf("task %d", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "read task status")
	}
	return status == TaskCancelled, nil
}

// ActiveTaskForTarget returns the id of a pending or running task of
// the given type for libraryPathID (0 matches any target), or 0.
func (s *Store) ActiveTaskForTarget(taskType string, libraryPathID int64) (int64, error) {
	q := `SELECT id FROM tasks WHERE task_type = ? AND status IN (?, ?)`
	args := []interface{}{taskType, TaskPending, TaskRunning}
	if libraryPathID != 0 {
		q += ` AND library_path_id = ?`
		args = append(args, libraryPathID)
	}
	q += ` ORDER BY id DESC LIMIT 1`
	var id int64
	err := s.db.QueryRow(q, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "query active task")
	}
	return id, nil
}

// DeleteTerminalTasksBefore trims terminal tasks whose finish time
// fell out of the retention window and returns the number removed. The
// window runs from finish, not creation, so a long task that just
// ended is kept.
func (s *Store) DeleteTerminalTasksBefore(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	var n int64
	err := s.write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM tasks WHERE status IN (?, ?, ?)
			AND COALESCE(finished_at, created_at) <= ?`,
			TaskCompleted, TaskFailed, TaskCancelled, cutoff)
		if err != nil {
			return errors.Wrap(err, "trim task history")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
