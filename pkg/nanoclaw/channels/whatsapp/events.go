// Package whatsapp – events.go processes incoming whatsmeow events, drives
// the connection state machine, and converts message events into the
// unified NanoClaw InboundMessage shape.
package whatsapp

import (
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the main whatsmeow event dispatcher.
func (c *Connection) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.handleConnected()

	case *events.Disconnected:
		c.handleClosed("connection_lost")

	case *events.StreamReplaced:
		c.handleClosed("stream_replaced")

	case *events.ConnectFailure:
		c.handleClosed("connect_failure")

	case *events.LoggedOut:
		c.handleLoggedOut(evt)

	case *events.Message:
		c.handleMessageEvt(evt)

	case *events.HistorySync:
		c.handleHistorySync(evt)

	case *events.PushName:
		c.logger.Debug("whatsapp: push name update",
			"jid", evt.JID, "name", evt.NewPushName)
	}
}

// handleConnected finishes the transition to open: announce presence so the
// platform delivers subsequent presence updates, cache the self alias,
// drain the outgoing queue, and arm the group metadata sync.
func (c *Connection) handleConnected() {
	c.setState(StateOpen)
	c.reconnectAttempts.Store(0)
	c.logger.Info("whatsapp: connected")

	if err := c.client.SendPresence(c.ctx, types.PresenceAvailable); err != nil {
		c.logger.Debug("whatsapp: presence announce failed", "error", err)
	}

	c.cacheSelfAlias()

	go func() {
		if err := c.flushOutgoingQueue(c.ctx); err != nil {
			c.logger.Error("whatsapp: failed to flush outgoing queue", "error", err)
		}
	}()

	go func() {
		if err := c.syncGroupMetadata(c.ctx, false); err != nil {
			c.logger.Error("whatsapp: initial group sync failed", "error", err)
		}
	}()

	// Arm the recurring sync timer only once across reconnect cycles.
	if c.groupSyncArmed.CompareAndSwap(false, true) {
		go func() {
			ticker := time.NewTicker(groupSyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					if err := c.syncGroupMetadata(c.ctx, false); err != nil {
						c.logger.Error("whatsapp: periodic group sync failed", "error", err)
					}
				}
			}
		}()
	}
}

// handleClosed handles any transport-level close whose reason is not an
// authoritative logout. The state machine moves to reconnecting and a
// background reconnect loop starts; queued messages survive the cycle.
func (c *Connection) handleClosed(reason string) {
	if c.State() == StateLoggedOut {
		return
	}
	c.setState(StateReconnecting)
	c.logger.Warn("whatsapp: connection closed",
		"reason", reason, "queued_messages", c.queueLen())

	if c.ctx.Err() == nil {
		go c.attemptReconnect()
	}
}

// handleLoggedOut is terminal: the session is invalid and the process must
// stop and require external re-authentication rather than silently retry.
func (c *Connection) handleLoggedOut(evt *events.LoggedOut) {
	c.setState(StateLoggedOut)
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	c.logger.Error("whatsapp: logged out, re-authentication required",
		"reason", reason, "on_connect", evt.OnConnect)
	if c.cancel != nil {
		c.cancel()
	}
	c.loggedOutOnce.Do(func() { close(c.loggedOut) })
}

// handleMessageEvt normalizes an incoming message event and delivers it
// through the injected callbacks. Chat metadata is always surfaced for
// group discovery; message content only for registered groups and 1:1
// chats.
func (c *Connection) handleMessageEvt(evt *events.Message) {
	chat := evt.Info.Chat
	if chat.Server == "broadcast" {
		return
	}

	chatJID := c.resolveAlias(c.ctx, chat)
	isGroup := strings.HasSuffix(chatJID, "@g.us")

	// For 1:1 chats the push name doubles as the contact name; groups get
	// their names via syncGroupMetadata.
	chatName := ""
	if !isGroup && !evt.Info.IsFromMe {
		chatName = evt.Info.PushName
	}
	if c.callbacks.OnChatMetadata != nil {
		c.callbacks.OnChatMetadata(chatJID, evt.Info.Timestamp, chatName, "whatsapp", isGroup)
	}

	var registered bool
	var group channels.RegisteredGroup
	if c.callbacks.RegisteredGroups != nil {
		group, registered = c.callbacks.RegisteredGroups()[chatJID]
	}
	isPersonalChat := strings.HasSuffix(chatJID, "@s.whatsapp.net")
	if !registered && !isPersonalChat {
		return
	}

	content := c.extractContent(evt, registered, group)
	// Protocol messages (encryption keys, receipts) carry no text.
	if content == "" {
		return
	}

	sender := c.resolveAlias(c.ctx, evt.Info.Sender)
	senderName := evt.Info.PushName
	if senderName == "" {
		senderName = strings.SplitN(sender, "@", 2)[0]
	}

	msg := &channels.InboundMessage{
		ID:           string(evt.Info.ID),
		ChatJID:      chatJID,
		Sender:       sender,
		SenderName:   senderName,
		Content:      content,
		Timestamp:    evt.Info.Timestamp,
		IsFromMe:     evt.Info.IsFromMe,
		IsBotMessage: c.isBotMessage(content, evt.Info.IsFromMe),
	}

	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(chatJID, msg)
	}
}

// extractContent pulls the user-visible text out of a message, handling
// voice notes via the transcription collaborator for registered groups.
func (c *Connection) extractContent(evt *events.Message, registered bool, group channels.RegisteredGroup) string {
	waMsg := evt.Message
	if waMsg == nil {
		return ""
	}

	if audio := waMsg.GetAudioMessage(); audio != nil && audio.GetPTT() {
		// Transcription costs API calls, so only registered groups get it.
		if !registered || c.transcriber == nil {
			return "[Voice Message]"
		}
		return c.transcribeVoice(evt, audio, group)
	}

	if text := waMsg.GetConversation(); text != "" {
		return text
	}
	if ext := waMsg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := waMsg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := waMsg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

// transcribeVoice downloads and transcribes a voice note, degrading to a
// placeholder rather than silence on failure.
func (c *Connection) transcribeVoice(evt *events.Message, audio *waProto.AudioMessage, group channels.RegisteredGroup) string {
	data, err := c.client.Download(c.ctx, audio)
	if err != nil {
		c.logger.Error("whatsapp: voice download failed",
			"chat", evt.Info.Chat, "error", err)
		return "[Voice Message - transcription failed]"
	}
	transcript, err := c.transcriber.Transcribe(c.ctx, data, "voice.ogg", audio.GetMimetype())
	if err != nil {
		c.logger.Error("whatsapp: voice transcription failed",
			"chat", evt.Info.Chat, "group", group.Folder, "error", err)
		return "[Voice Message - transcription failed]"
	}
	if transcript == "" {
		return "[Voice Message - transcription unavailable]"
	}
	c.logger.Info("whatsapp: transcribed voice message",
		"chat", evt.Info.Chat, "length", len(transcript))
	return "[Voice: " + transcript + "]"
}

// isBotMessage tells bot output apart from user messages. On a shared
// number the assistant-name prefix is the only reliable signal; with a
// dedicated number the from-me flag is authoritative.
func (c *Connection) isBotMessage(content string, fromMe bool) bool {
	if c.cfg.AssistantHasOwnNumber {
		return fromMe
	}
	return strings.HasPrefix(content, c.cfg.AssistantName+":")
}
