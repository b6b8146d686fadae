package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id, jid, content string, ts time.Time) *channels.InboundMessage {
	return &channels.InboundMessage{
		ID: id, ChatJID: jid, Sender: "5511@s.whatsapp.net",
		SenderName: "Alice", Content: content, Timestamp: ts,
	}
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("store and load recent", func(t *testing.T) {
		for i, content := range []string{"one", "two", "three"} {
			if err := s.StoreMessage(msg(string(rune('a'+i)), "g1@g.us", content, base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("StoreMessage: %v", err)
			}
		}

		msgs, err := s.RecentMessages("g1@g.us", 2)
		if err != nil {
			t.Fatalf("RecentMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Content != "three" || msgs[1].Content != "two" {
			t.Errorf("expected newest first, got %q then %q", msgs[0].Content, msgs[1].Content)
		}
	})

	t.Run("oldest message anchors history", func(t *testing.T) {
		oldest, err := s.OldestMessage("g1@g.us")
		if err != nil {
			t.Fatalf("OldestMessage: %v", err)
		}
		if oldest == nil || oldest.Content != "one" {
			t.Errorf("expected oldest 'one', got %+v", oldest)
		}
	})

	t.Run("no history yields nil", func(t *testing.T) {
		oldest, err := s.OldestMessage("nobody@g.us")
		if err != nil {
			t.Fatalf("OldestMessage: %v", err)
		}
		if oldest != nil {
			t.Errorf("expected nil, got %+v", oldest)
		}
	})

	t.Run("duplicate ids replace rather than duplicate", func(t *testing.T) {
		s.StoreMessage(msg("a", "g1@g.us", "one-edited", base))
		msgs, _ := s.RecentMessages("g1@g.us", 10)
		if len(msgs) != 3 {
			t.Errorf("expected 3 messages after replace, got %d", len(msgs))
		}
	})

	t.Run("search finds content", func(t *testing.T) {
		msgs, err := s.SearchMessages("", "three", 10)
		if err != nil {
			t.Fatalf("SearchMessages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Content != "three" {
			t.Errorf("unexpected search result: %+v", msgs)
		}
	})
}

func TestChats(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upsert records metadata", func(t *testing.T) {
		if err := s.UpsertChat("g1@g.us", now, "Family", "whatsapp", true); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		contacts, err := s.ListContacts("fam")
		if err != nil {
			t.Fatalf("ListContacts: %v", err)
		}
		if len(contacts) != 1 || contacts[0].Name != "Family" {
			t.Errorf("unexpected contacts: %+v", contacts)
		}
	})

	t.Run("empty name does not overwrite", func(t *testing.T) {
		if err := s.UpsertChat("g1@g.us", now.Add(time.Hour), "", "whatsapp", true); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		contacts, _ := s.ListContacts("Family")
		if len(contacts) != 1 {
			t.Fatalf("expected chat still named Family, got %+v", contacts)
		}
	})

	t.Run("update chat name", func(t *testing.T) {
		if err := s.UpdateChatName("g1@g.us", "Family 2.0"); err != nil {
			t.Fatalf("UpdateChatName: %v", err)
		}
		contacts, _ := s.ListContacts("2.0")
		if len(contacts) != 1 {
			t.Errorf("expected renamed chat, got %+v", contacts)
		}
	})

	t.Run("sync-created chat picks up its first message time", func(t *testing.T) {
		// Group metadata sync can create the chat row before any message,
		// leaving last_message_time unset. Later upserts must fill it in.
		if err := s.UpdateChatName("g2@g.us", "Ops"); err != nil {
			t.Fatalf("UpdateChatName: %v", err)
		}
		if err := s.UpsertChat("g2@g.us", now, "", "whatsapp", true); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		contacts, err := s.ListContacts("Ops")
		if err != nil {
			t.Fatalf("ListContacts: %v", err)
		}
		if len(contacts) != 1 || contacts[0].LastMessageTime == "" {
			t.Fatalf("expected recorded last message time, got %+v", contacts)
		}

		first := contacts[0].LastMessageTime
		if err := s.UpsertChat("g2@g.us", now.Add(time.Hour), "", "whatsapp", true); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		contacts, _ = s.ListContacts("Ops")
		if len(contacts) != 1 || contacts[0].LastMessageTime <= first {
			t.Errorf("expected advanced last message time, got %+v", contacts)
		}
	})
}

func TestRegisteredGroups(t *testing.T) {
	s := newTestStore(t)

	group := channels.RegisteredGroup{
		JID: "g1@g.us", Name: "Family", Folder: "family",
		Trigger: "@Andy", RequiresTrigger: true, AddedAt: time.Now(),
	}

	t.Run("register and load", func(t *testing.T) {
		if err := s.RegisterGroup(group); err != nil {
			t.Fatalf("RegisterGroup: %v", err)
		}
		groups, err := s.RegisteredGroups()
		if err != nil {
			t.Fatalf("RegisteredGroups: %v", err)
		}
		got, ok := groups["g1@g.us"]
		if !ok {
			t.Fatal("expected group present")
		}
		if got.Folder != "family" || !got.RequiresTrigger {
			t.Errorf("unexpected group: %+v", got)
		}
	})

	t.Run("re-registration updates in place", func(t *testing.T) {
		group.Trigger = "@Bob"
		if err := s.RegisterGroup(group); err != nil {
			t.Fatalf("RegisterGroup: %v", err)
		}
		groups, _ := s.RegisteredGroups()
		if len(groups) != 1 || groups["g1@g.us"].Trigger != "@Bob" {
			t.Errorf("expected updated registration, got %+v", groups)
		}
	})

	t.Run("unregister removes", func(t *testing.T) {
		if err := s.UnregisterGroup("g1@g.us"); err != nil {
			t.Fatalf("UnregisterGroup: %v", err)
		}
		groups, _ := s.RegisteredGroups()
		if len(groups) != 0 {
			t.Errorf("expected no groups, got %+v", groups)
		}
	})
}

func TestGroupSyncTimestamps(t *testing.T) {
	s := newTestStore(t)

	t.Run("zero before any sync", func(t *testing.T) {
		last, err := s.LastGroupSync()
		if err != nil {
			t.Fatalf("LastGroupSync: %v", err)
		}
		if !last.IsZero() {
			t.Errorf("expected zero time, got %v", last)
		}
	})

	t.Run("round-trips a sync time", func(t *testing.T) {
		now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
		if err := s.SetLastGroupSync(now); err != nil {
			t.Fatalf("SetLastGroupSync: %v", err)
		}
		last, err := s.LastGroupSync()
		if err != nil {
			t.Fatalf("LastGroupSync: %v", err)
		}
		if !last.Equal(now) {
			t.Errorf("expected %v, got %v", now, last)
		}
	})
}
