// Package scheduler runs agent tasks on cron, interval, or one-shot
// schedules. Tasks arrive over IPC, persist in storage, and fire through an
// injected runner since the agent runtime lives in another process.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// tickInterval bounds how late a due task can fire.
const tickInterval = 15 * time.Second

// Task is one scheduled agent invocation.
type Task struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	ContextMode   string     `json:"context_mode"`
	TargetJID     string     `json:"target_jid"`
	CreatedBy     string     `json:"created_by"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Runner executes one due task. The runner owns delivering any output to
// the task's target conversation.
type Runner func(ctx context.Context, task *Task) error

// Storage persists tasks across restarts.
type Storage interface {
	SaveTask(task *Task) error
	DeleteTask(id string) error
	LoadTasks() ([]*Task, error)
}

// Scheduler owns the task table and the due-task loop.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	storage Storage
	runner  Runner
	logger  *slog.Logger

	// snapshotPath, when set, receives a JSON snapshot of all tasks after
	// every mutation so the sandboxed agent can list them without a
	// round-trip.
	snapshotPath string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. snapshotDir may be empty to disable snapshots.
func New(storage Storage, runner Runner, snapshotDir string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tasks:   make(map[string]*Task),
		storage: storage,
		runner:  runner,
		logger:  logger.With("component", "scheduler"),
	}
	if snapshotDir != "" {
		s.snapshotPath = filepath.Join(snapshotDir, "current_tasks.json")
	}
	return s
}

// Start loads persisted tasks and begins the due-task loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.storage != nil {
		tasks, err := s.storage.LoadTasks()
		if err != nil {
			return fmt.Errorf("loading tasks: %w", err)
		}
		s.mu.Lock()
		for _, t := range tasks {
			s.tasks[t.ID] = t
		}
		s.mu.Unlock()
		s.logger.Info("scheduler: loaded tasks", "count", len(tasks))
	}
	s.writeSnapshot()

	go s.loop()
	return nil
}

// Stop halts the due-task loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Schedule creates a task from an IPC payload and arms its first run.
func (s *Scheduler) Schedule(ctx context.Context, p ipc.ScheduleTaskPayload) (string, error) {
	if err := ipc.ValidateSchedule(p.ScheduleType, p.ScheduleValue); err != nil {
		return "", err
	}

	task := &Task{
		ID:            "task-" + uuid.NewString()[:8],
		GroupFolder:   p.CreatedBy,
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   p.ContextMode,
		TargetJID:     p.TargetJID,
		CreatedBy:     p.CreatedBy,
		Status:        StatusActive,
		CreatedAt:     time.Now(),
	}
	next, err := nextRun(task, time.Now())
	if err != nil {
		return "", err
	}
	task.NextRun = next

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()
	s.persist(task)
	s.writeSnapshot()

	s.logger.Info("scheduler: task created",
		"id", task.ID, "type", task.ScheduleType, "target", task.TargetJID)
	return task.ID, nil
}

// Pause suspends an active task.
func (s *Scheduler) Pause(taskID string) error {
	return s.setStatus(taskID, StatusPaused)
}

// Resume reactivates a paused task and recomputes its next run.
func (s *Scheduler) Resume(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q not found", taskID)
	}
	task.Status = StatusActive
	if next, err := nextRun(task, time.Now()); err == nil {
		task.NextRun = next
	}
	s.mu.Unlock()
	s.persist(task)
	s.writeSnapshot()
	return nil
}

// Cancel removes a task permanently.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q not found", taskID)
	}
	task.Status = StatusCancelled
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.DeleteTask(taskID); err != nil {
			s.logger.Error("scheduler: failed to delete task", "id", taskID, "error", err)
		}
	}
	s.writeSnapshot()
	s.logger.Info("scheduler: task cancelled", "id", taskID)
	return nil
}

// Tasks returns a snapshot of all tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

func (s *Scheduler) setStatus(taskID, status string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q not found", taskID)
	}
	task.Status = status
	s.mu.Unlock()
	s.persist(task)
	s.writeSnapshot()
	return nil
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(now)
		}
	}
}

// runDue fires every active task whose next run has passed, then advances
// or completes it.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Status == StatusActive && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		s.runTask(task, now)
	}
	if len(due) > 0 {
		s.writeSnapshot()
	}
}

func (s *Scheduler) runTask(task *Task, now time.Time) {
	err := s.runner(s.ctx, task)

	s.mu.Lock()
	ran := now
	task.LastRunAt = &ran
	if err != nil {
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	if task.ScheduleType == ipc.ScheduleOnce {
		task.Status = StatusCompleted
		task.NextRun = nil
	} else if next, nerr := nextRun(task, now); nerr == nil {
		task.NextRun = next
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler: task run failed", "id", task.ID, "error", err)
	} else {
		s.logger.Info("scheduler: task ran", "id", task.ID)
	}
	s.persist(task)
}

// nextRun computes the task's next fire time after now. Completed one-shot
// tasks return nil.
func nextRun(task *Task, now time.Time) (*time.Time, error) {
	switch task.ScheduleType {
	case ipc.ScheduleCron:
		sched, err := cron.ParseStandard(task.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", task.ScheduleValue, err)
		}
		next := sched.Next(now)
		return &next, nil
	case ipc.ScheduleInterval:
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", task.ScheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case ipc.ScheduleOnce:
		if task.Status == StatusCompleted {
			return nil, nil
		}
		next, err := parseOnceValue(task.ScheduleValue)
		if err != nil {
			return nil, err
		}
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

func parseOnceValue(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", value, time.Local)
}

func (s *Scheduler) persist(task *Task) {
	if s.storage == nil {
		return
	}
	if err := s.storage.SaveTask(task); err != nil {
		s.logger.Error("scheduler: failed to persist task", "id", task.ID, "error", err)
	}
}

// writeSnapshot dumps all tasks to the IPC root so the sandboxed agent can
// list them without a request round-trip. Best effort.
func (s *Scheduler) writeSnapshot() {
	if s.snapshotPath == "" {
		return
	}
	data, err := json.MarshalIndent(s.Tasks(), "", "  ")
	if err != nil {
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Debug("scheduler: snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		os.Remove(tmp)
	}
}
