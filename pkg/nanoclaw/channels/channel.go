// Package channels defines the interfaces and types for NanoClaw
// communication channels. Each channel (WhatsApp, Telegram, web) implements
// the Connection interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Connection defines the interface that every communication channel must
// implement. Exactly one instance exists per platform per process.
type Connection interface {
	// Name returns the channel identifier (e.g. "whatsapp", "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// SendMessage sends a text message to the given JID. Channels with an
	// outgoing queue accept the message even while disconnected and deliver
	// it after reconnecting.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping toggles the typing indicator for the given chat.
	SetTyping(ctx context.Context, jid string, typing bool) error

	// IsConnected returns true if the channel is currently connected.
	IsConnected() bool

	// OwnsJID reports whether this channel owns the JID's namespace.
	// Namespaces are disjoint by construction, so at most one channel
	// claims any given JID.
	OwnsJID(jid string) bool
}

// InboundMessage is the normalized message record produced by every channel.
// Produced exactly once per platform event carrying user-visible content and
// never mutated afterward.
type InboundMessage struct {
	ID           string    `json:"id"`
	ChatJID      string    `json:"chat_jid"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	IsFromMe     bool      `json:"is_from_me"`
	IsBotMessage bool      `json:"is_bot_message"`
}

// RegisteredGroup identifies a conversation the gateway is allowed to
// surface to the agent runtime. Immutable after registration except through
// re-registration.
type RegisteredGroup struct {
	JID             string    `json:"jid" yaml:"jid"`
	Name            string    `json:"name" yaml:"name"`
	Folder          string    `json:"folder" yaml:"folder"`
	Trigger         string    `json:"trigger" yaml:"trigger"`
	RequiresTrigger bool      `json:"requires_trigger" yaml:"requires_trigger"`
	AddedAt         time.Time `json:"added_at" yaml:"added_at"`
}

// Callbacks are the collaborators a channel invokes for inbound traffic.
// The agent runtime and message store live behind these functions.
type Callbacks struct {
	// OnMessage delivers a normalized inbound message for a chat.
	OnMessage func(chatJID string, msg *InboundMessage)

	// OnChatMetadata records chat sighting metadata (name, last activity)
	// for group discovery, independent of message delivery.
	OnChatMetadata func(jid string, timestamp time.Time, name, channel string, isGroup bool)

	// RegisteredGroups returns the current registration set keyed by JID.
	RegisteredGroups func() map[string]RegisteredGroup
}

// ActivityEvent is a host-side progress event broadcast to web clients.
type ActivityEvent struct {
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// Errors shared across channels.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
)
