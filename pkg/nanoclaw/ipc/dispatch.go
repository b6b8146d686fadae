package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

// Sender delivers outbound text to a conversation on whichever channel
// owns it.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// Scheduler manages agent tasks created over IPC.
type Scheduler interface {
	Schedule(ctx context.Context, p ScheduleTaskPayload) (taskID string, err error)
	Pause(taskID string) error
	Resume(taskID string) error
	Cancel(taskID string) error
}

// Directory answers contact and chat lookups from stored history.
type Directory interface {
	RegisterGroup(group channels.RegisteredGroup) error
	ListContacts(query string) ([]ContactEntry, error)
	RecentMessages(jid string, limit int) ([]*channels.InboundMessage, error)
}

// HistoryFetcher pulls older messages from the platform on demand.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, jid string, count int) ([]*channels.InboundMessage, error)
}

// GroupSyncer refreshes group metadata from the platform.
type GroupSyncer interface {
	SyncGroups(ctx context.Context) error
}

// ContactEntry is one row of a list_contacts response.
type ContactEntry struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time,omitempty"`
}

// Dispatcher routes consumed requests to the host collaborators. It plugs
// into a Watcher as its task handler.
type Dispatcher struct {
	Sender    Sender
	Scheduler Scheduler
	Directory Directory
	History   HistoryFetcher
	Syncer    GroupSyncer
}

// Handle implements the Watcher task handler contract.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) (any, error) {
	if err := ValidateTask(req); err != nil {
		return nil, err
	}

	switch req.Type {
	case TypeSendMessage:
		return nil, d.handleSendMessage(ctx, req)
	case TypeScheduleTask:
		return d.handleScheduleTask(ctx, req)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return nil, d.handleTaskControl(req)
	case TypeRegisterGroup:
		return nil, d.handleRegisterGroup(req)
	case TypeListContacts:
		return d.handleListContacts(req)
	case TypeFetchChat:
		return d.handleFetchChat(req)
	case TypeFetchHistory:
		return d.handleFetchHistory(ctx, req)
	case TypeSyncGroups:
		if d.Syncer == nil {
			return nil, fmt.Errorf("group sync not available")
		}
		if err := d.Syncer.SyncGroups(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *Request) error {
	if d.Sender == nil {
		return fmt.Errorf("sender not available")
	}
	var p struct {
		JID  string `json:"jid"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return fmt.Errorf("bad send_message payload: %w", err)
	}
	if p.JID == "" || p.Text == "" {
		return fmt.Errorf("send_message requires jid and text")
	}
	return d.Sender.Send(ctx, p.JID, p.Text)
}

func (d *Dispatcher) handleScheduleTask(ctx context.Context, req *Request) (any, error) {
	if d.Scheduler == nil {
		return nil, fmt.Errorf("scheduler not available")
	}
	var p ScheduleTaskPayload
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return nil, fmt.Errorf("bad schedule_task payload: %w", err)
	}
	id, err := d.Scheduler.Schedule(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]string{"taskId": id}, nil
}

func (d *Dispatcher) handleTaskControl(req *Request) error {
	if d.Scheduler == nil {
		return fmt.Errorf("scheduler not available")
	}
	var p TaskControlPayload
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return fmt.Errorf("bad %s payload: %w", req.Type, err)
	}
	switch req.Type {
	case TypePauseTask:
		return d.Scheduler.Pause(p.TaskID)
	case TypeResumeTask:
		return d.Scheduler.Resume(p.TaskID)
	default:
		return d.Scheduler.Cancel(p.TaskID)
	}
}

// handleRegisterGroup requires main-group origin. The flag comes from the
// per-group IPC root the request was consumed from, set by the watcher
// owner, so a non-main agent cannot forge it.
func (d *Dispatcher) handleRegisterGroup(req *Request) error {
	if d.Directory == nil {
		return fmt.Errorf("directory not available")
	}
	var p struct {
		RegisterGroupPayload
		IsMain bool `json:"isMain"`
	}
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return fmt.Errorf("bad register_group payload: %w", err)
	}
	if !p.IsMain {
		return fmt.Errorf("register_group requires main group privilege")
	}
	return d.Directory.RegisterGroup(channels.RegisteredGroup{
		JID:     p.JID,
		Name:    p.Name,
		Folder:  p.Folder,
		Trigger: p.Trigger,
		AddedAt: time.Now(),
	})
}

func (d *Dispatcher) handleListContacts(req *Request) (any, error) {
	if d.Directory == nil {
		return nil, fmt.Errorf("directory not available")
	}
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return nil, fmt.Errorf("bad list_contacts payload: %w", err)
	}
	contacts, err := d.Directory.ListContacts(p.Query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"contacts": contacts}, nil
}

func (d *Dispatcher) handleFetchChat(req *Request) (any, error) {
	if d.Directory == nil {
		return nil, fmt.Errorf("directory not available")
	}
	var p struct {
		JID   string `json:"jid"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return nil, fmt.Errorf("bad fetch_chat payload: %w", err)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	msgs, err := d.Directory.RecentMessages(p.JID, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (d *Dispatcher) handleFetchHistory(ctx context.Context, req *Request) (any, error) {
	if d.History == nil {
		return nil, fmt.Errorf("history fetch not available")
	}
	var p struct {
		JID   string `json:"jid"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(req.Raw, &p); err != nil {
		return nil, fmt.Errorf("bad fetch_history payload: %w", err)
	}
	if p.Count <= 0 {
		p.Count = 50
	}
	msgs, err := d.History.FetchHistory(ctx, p.JID, p.Count)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}
