package ipc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

type fakeSender struct {
	jids, texts []string
}

func (f *fakeSender) Send(ctx context.Context, jid, text string) error {
	f.jids = append(f.jids, jid)
	f.texts = append(f.texts, text)
	return nil
}

type fakeDirectory struct {
	registered []channels.RegisteredGroup
}

func (f *fakeDirectory) RegisterGroup(g channels.RegisteredGroup) error {
	f.registered = append(f.registered, g)
	return nil
}

func (f *fakeDirectory) ListContacts(query string) ([]ContactEntry, error) {
	return []ContactEntry{{JID: "g1@g.us", Name: "Family"}}, nil
}

func (f *fakeDirectory) RecentMessages(jid string, limit int) ([]*channels.InboundMessage, error) {
	return []*channels.InboundMessage{{ID: "m1", ChatJID: jid, Content: "hi"}}, nil
}

func req(t *testing.T, payload map[string]any) *Request {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	typ, _ := payload["type"].(string)
	id, _ := payload["requestId"].(string)
	return &Request{RequestID: id, Type: typ, Raw: raw}
}

func TestDispatcherHandle(t *testing.T) {
	t.Run("send_message routes through the sender", func(t *testing.T) {
		sender := &fakeSender{}
		d := &Dispatcher{Sender: sender}
		_, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeSendMessage, "jid": "tg:42", "text": "hello",
		}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(sender.jids) != 1 || sender.jids[0] != "tg:42" || sender.texts[0] != "hello" {
			t.Errorf("unexpected send: %v %v", sender.jids, sender.texts)
		}
	})

	t.Run("send_message requires jid and text", func(t *testing.T) {
		d := &Dispatcher{Sender: &fakeSender{}}
		if _, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeSendMessage, "jid": "tg:42",
		})); err == nil {
			t.Error("expected error for missing text")
		}
	})

	t.Run("register_group requires main privilege", func(t *testing.T) {
		dir := &fakeDirectory{}
		d := &Dispatcher{Directory: dir}

		_, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeRegisterGroup, "jid": "g2@g.us", "name": "Work",
			"folder": "work", "isMain": false,
		}))
		if err == nil {
			t.Error("expected rejection without main privilege")
		}
		if len(dir.registered) != 0 {
			t.Error("group must not be registered")
		}

		_, err = d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeRegisterGroup, "jid": "g2@g.us", "name": "Work",
			"folder": "work", "isMain": true,
		}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(dir.registered) != 1 || dir.registered[0].Folder != "work" {
			t.Errorf("unexpected registration: %+v", dir.registered)
		}
	})

	t.Run("list_contacts returns directory rows", func(t *testing.T) {
		d := &Dispatcher{Directory: &fakeDirectory{}}
		result, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeListContacts, "query": "fam",
		}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		m, ok := result.(map[string]any)
		if !ok {
			t.Fatalf("unexpected result type %T", result)
		}
		contacts, ok := m["contacts"].([]ContactEntry)
		if !ok || len(contacts) != 1 || contacts[0].Name != "Family" {
			t.Errorf("unexpected contacts: %+v", m["contacts"])
		}
	})

	t.Run("fetch_chat defaults the limit", func(t *testing.T) {
		d := &Dispatcher{Directory: &fakeDirectory{}}
		result, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeFetchChat, "jid": "g1@g.us",
		}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		m := result.(map[string]any)
		msgs := m["messages"].([]*channels.InboundMessage)
		if len(msgs) != 1 || msgs[0].ChatJID != "g1@g.us" {
			t.Errorf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("invalid payloads fail validation first", func(t *testing.T) {
		d := &Dispatcher{}
		if _, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeScheduleTask, "prompt": "p", "targetJid": "x",
			"schedule_type": "cron", "schedule_value": "bad",
		})); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("unknown type is an error", func(t *testing.T) {
		d := &Dispatcher{}
		if _, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": "mystery",
		})); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("missing collaborators degrade to errors", func(t *testing.T) {
		d := &Dispatcher{}
		if _, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeSyncGroups,
		})); err == nil {
			t.Error("expected error without a syncer")
		}
		if _, err := d.Handle(context.Background(), req(t, map[string]any{
			"type": TypeSendMessage, "jid": "tg:42", "text": "hello",
		})); err == nil {
			t.Error("expected error without a sender")
		}
	})
}
