// Package store persists chat metadata, message history, and group
// registrations in a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens or creates the database at path and applies the schema.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			jid               TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			channel           TEXT NOT NULL DEFAULT '',
			is_group          INTEGER NOT NULL DEFAULT 0,
			last_message_time DATETIME
		);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			sender         TEXT NOT NULL DEFAULT '',
			sender_name    TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL DEFAULT '',
			timestamp      DATETIME NOT NULL,
			is_from_me     INTEGER NOT NULL DEFAULT 0,
			is_bot_message INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, chat_jid)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_time
			ON messages(chat_jid, timestamp DESC);

		CREATE TABLE IF NOT EXISTS registered_groups (
			jid              TEXT PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			folder           TEXT UNIQUE NOT NULL,
			trigger_word     TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			added_at         DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.initTaskSchema()
}

// UpsertChat records chat metadata and bumps the last-message time. Empty
// names never overwrite a known name.
func (s *Store) UpsertChat(jid string, lastMessage time.Time, name, channel string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, channel, is_group, last_message_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel = excluded.channel,
			is_group = excluded.is_group,
			last_message_time = COALESCE(MAX(chats.last_message_time, excluded.last_message_time),
				excluded.last_message_time, chats.last_message_time)`,
		jid, name, channel, boolInt(isGroup), lastMessage)
	if err != nil {
		return fmt.Errorf("upserting chat %s: %w", jid, err)
	}
	return nil
}

// UpdateChatName sets a chat's display name.
func (s *Store) UpdateChatName(jid, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name) VALUES (?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name`, jid, name)
	if err != nil {
		return fmt.Errorf("updating chat name for %s: %w", jid, err)
	}
	return nil
}

// StoreMessage inserts or replaces one message.
func (s *Store) StoreMessage(msg *channels.InboundMessage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatJID, msg.Sender, msg.SenderName, msg.Content,
		msg.Timestamp, boolInt(msg.IsFromMe), boolInt(msg.IsBotMessage))
	if err != nil {
		return fmt.Errorf("storing message %s: %w", msg.ID, err)
	}
	return nil
}

// RecentMessages returns the newest messages for a chat, newest first.
func (s *Store) RecentMessages(jid string, limit int) ([]*channels.InboundMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages WHERE chat_jid = ?
		ORDER BY timestamp DESC LIMIT ?`, jid, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", jid, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// OldestMessage returns the oldest stored message for a chat, nil if the
// chat has no history yet.
func (s *Store) OldestMessage(jid string) (*channels.InboundMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages WHERE chat_jid = ?
		ORDER BY timestamp ASC LIMIT 1`, jid)
	if err != nil {
		return nil, fmt.Errorf("loading oldest message for %s: %w", jid, err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// SearchMessages finds messages whose content matches the query substring,
// optionally restricted to one chat.
func (s *Store) SearchMessages(jid, query string, limit int) ([]*channels.InboundMessage, error) {
	pattern := "%" + query + "%"
	var rows *sql.Rows
	var err error
	if jid != "" {
		rows, err = s.db.Query(`
			SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
			FROM messages WHERE chat_jid = ? AND content LIKE ?
			ORDER BY timestamp DESC LIMIT ?`, jid, pattern, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
			FROM messages WHERE content LIKE ?
			ORDER BY timestamp DESC LIMIT ?`, pattern, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*channels.InboundMessage, error) {
	var msgs []*channels.InboundMessage
	for rows.Next() {
		var m channels.InboundMessage
		var fromMe, bot int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName,
			&m.Content, &m.Timestamp, &fromMe, &bot); err != nil {
			return nil, err
		}
		m.IsFromMe = fromMe != 0
		m.IsBotMessage = bot != 0
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ListContacts returns known chats, newest activity first, optionally
// filtered by a name/jid substring.
func (s *Store) ListContacts(query string) ([]ipc.ContactEntry, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.Query(`
		SELECT jid, name, COALESCE(last_message_time, '') FROM chats
		WHERE name LIKE ? OR jid LIKE ?
		ORDER BY last_message_time DESC LIMIT 200`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var contacts []ipc.ContactEntry
	for rows.Next() {
		var c ipc.ContactEntry
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// RegisterGroup inserts or updates a group registration.
func (s *Store) RegisterGroup(group channels.RegisteredGroup) error {
	_, err := s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_word, requires_trigger, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_word = excluded.trigger_word,
			requires_trigger = excluded.requires_trigger`,
		group.JID, group.Name, group.Folder, group.Trigger,
		boolInt(group.RequiresTrigger), group.AddedAt)
	if err != nil {
		return fmt.Errorf("registering group %s: %w", group.JID, err)
	}
	s.logger.Info("store: registered group", "jid", group.JID, "folder", group.Folder)
	return nil
}

// UnregisterGroup removes a group registration.
func (s *Store) UnregisterGroup(jid string) error {
	_, err := s.db.Exec(`DELETE FROM registered_groups WHERE jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("unregistering group %s: %w", jid, err)
	}
	return nil
}

// RegisteredGroups loads all group registrations keyed by JID.
func (s *Store) RegisteredGroups() (map[string]channels.RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_word, requires_trigger, added_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("loading registered groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]channels.RegisteredGroup)
	for rows.Next() {
		var g channels.RegisteredGroup
		var requires int
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &requires, &g.AddedAt); err != nil {
			return nil, err
		}
		g.RequiresTrigger = requires != 0
		groups[g.JID] = g
	}
	return groups, rows.Err()
}

// LastGroupSync returns the last group metadata sync time, zero if never.
func (s *Store) LastGroupSync() (time.Time, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'last_group_sync'`).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last group sync: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// SetLastGroupSync records a group metadata sync time.
func (s *Store) SetLastGroupSync(t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('last_group_sync', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		t.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording group sync time: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
