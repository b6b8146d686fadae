package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/scheduler"
)

// Task persistence backing the scheduler. Schema lives here with the rest
// of the database.

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL DEFAULT '',
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'group',
			target_jid     TEXT NOT NULL,
			created_by     TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     DATETIME NOT NULL,
			next_run       DATETIME,
			last_run_at    DATETIME,
			last_error     TEXT NOT NULL DEFAULT ''
		)`)
	return err
}

// SaveTask inserts or updates a task.
func (s *Store) SaveTask(task *scheduler.Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, group_folder, prompt, schedule_type, schedule_value, context_mode,
			 target_jid, created_by, status, created_at, next_run, last_run_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.GroupFolder, task.Prompt, task.ScheduleType, task.ScheduleValue,
		task.ContextMode, task.TargetJID, task.CreatedBy, task.Status, task.CreatedAt,
		nullableTime(task.NextRun), nullableTime(task.LastRunAt), task.LastError)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// LoadTasks loads every persisted task.
func (s *Store) LoadTasks() ([]*scheduler.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, context_mode,
		       target_jid, created_by, status, created_at, next_run, last_run_at, last_error
		FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		var t scheduler.Task
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.ScheduleType,
			&t.ScheduleValue, &t.ContextMode, &t.TargetJID, &t.CreatedBy, &t.Status,
			&t.CreatedAt, &nextRun, &lastRun, &t.LastError); err != nil {
			return nil, err
		}
		if nextRun.Valid {
			t.NextRun = &nextRun.Time
		}
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
