package ipc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Task payload type discriminators.
const (
	TypeSendMessage   = "send_message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
	TypeListContacts  = "list_contacts"
	TypeFetchChat     = "fetch_chat"
	TypeFetchHistory  = "fetch_history"
	TypeSyncGroups    = "sync_groups"
)

// Schedule kinds for schedule_task.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Request is the common envelope of every task file. Type-specific fields
// stay in Raw for the dispatcher.
type Request struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Raw       json.RawMessage
}

// ScheduleTaskPayload creates a recurring or one-shot agent task.
type ScheduleTaskPayload struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	TargetJID     string `json:"targetJid"`
	CreatedBy     string `json:"createdBy"`
	Timestamp     string `json:"timestamp"`
}

// TaskControlPayload pauses, resumes, or cancels an existing task.
type TaskControlPayload struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	IsMain      bool   `json:"isMain"`
	Timestamp   string `json:"timestamp"`
}

// RegisterGroupPayload registers a conversation for agent handling.
// Accepted only from the main group.
type RegisterGroupPayload struct {
	JID       string `json:"jid"`
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Trigger   string `json:"trigger"`
	Timestamp string `json:"timestamp"`
}

// ValidateSchedule checks a schedule_type/schedule_value pair before
// submission. Cron values must parse as standard five-field expressions,
// intervals are positive millisecond counts, once values are timestamps.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case ScheduleCron:
		if _, err := cron.ParseStandard(scheduleValue); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
	case ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", scheduleValue, err)
		}
		if ms <= 0 {
			return fmt.Errorf("interval must be positive, got %d", ms)
		}
	case ScheduleOnce:
		if _, err := parseOnce(scheduleValue); err != nil {
			return fmt.Errorf("invalid datetime %q: %w", scheduleValue, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// parseOnce accepts RFC3339 or the common local "2006-01-02 15:04" form.
func parseOnce(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", value, time.Local)
}

// ValidateTask validates a request payload by type. Unknown types pass
// through; the dispatcher decides what to do with them.
func ValidateTask(req *Request) error {
	switch req.Type {
	case TypeScheduleTask:
		var p ScheduleTaskPayload
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return fmt.Errorf("bad schedule_task payload: %w", err)
		}
		if p.Prompt == "" {
			return fmt.Errorf("schedule_task requires a prompt")
		}
		if p.TargetJID == "" {
			return fmt.Errorf("schedule_task requires a targetJid")
		}
		return ValidateSchedule(p.ScheduleType, p.ScheduleValue)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		var p TaskControlPayload
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return fmt.Errorf("bad %s payload: %w", req.Type, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("%s requires a taskId", req.Type)
		}
	case TypeRegisterGroup:
		var p RegisterGroupPayload
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return fmt.Errorf("bad register_group payload: %w", err)
		}
		if p.JID == "" || p.Folder == "" {
			return fmt.Errorf("register_group requires jid and folder")
		}
	}
	return nil
}
