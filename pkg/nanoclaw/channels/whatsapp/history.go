// Package whatsapp – history.go implements the on-demand history fetch: a
// request anchored at the oldest locally-known message, answered by an
// asynchronous history sync event matched on the ON_DEMAND sync type.
package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"

	"go.mau.fi/whatsmeow"
	waHistorySync "go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// HistoryAnchor identifies the oldest locally-stored message for a chat.
// Fetched pages contain messages older than the anchor.
type HistoryAnchor struct {
	MessageID string
	FromMe    bool
	Timestamp time.Time
}

// FetchOlderHistory requests up to count messages older than the anchor for
// the given chat. The platform answers asynchronously with a history page
// that may span multiple conversations; the result is filtered to the
// requested chat. A 30s timeout resolves to an empty slice, not an error.
func (c *Connection) FetchOlderHistory(jid string, anchor HistoryAnchor, count int) ([]*channels.InboundMessage, error) {
	if c.State() != StateOpen {
		return nil, channels.ErrChannelDisconnected
	}

	target, err := parseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("invalid JID %q: %w", jid, err)
	}

	waiter := &historyWaiter{ch: make(chan []*channels.InboundMessage, 1)}
	c.historyMu.Lock()
	if c.historyWaiter != nil {
		c.historyMu.Unlock()
		return nil, fmt.Errorf("history fetch already in progress")
	}
	c.historyWaiter = waiter
	c.historyMu.Unlock()

	defer func() {
		c.historyMu.Lock()
		c.historyWaiter = nil
		c.historyMu.Unlock()
	}()

	info := &types.MessageInfo{
		ID:        anchor.MessageID,
		Timestamp: anchor.Timestamp,
		MessageSource: types.MessageSource{
			Chat:     target,
			IsFromMe: anchor.FromMe,
		},
	}
	req := c.client.BuildHistorySyncRequest(info, count)
	_, err = c.client.SendMessage(c.ctx, c.client.Store.ID.ToNonAD(), req,
		whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return nil, fmt.Errorf("requesting history: %w", err)
	}

	timer := time.NewTimer(historyTimeout)
	defer timer.Stop()

	select {
	case msgs := <-waiter.ch:
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.ChatJID == jid {
				filtered = append(filtered, m)
			}
		}
		c.logger.Info("whatsapp: received on-demand history",
			"jid", jid, "total", len(msgs), "filtered", len(filtered))
		return filtered, nil
	case <-timer.C:
		// The waiter stays resolvable until the deferred cleanup runs; a
		// late page racing the timeout is simply discarded.
		waiter.resolve(nil)
		c.logger.Warn("whatsapp: history fetch timed out", "jid", jid)
		return nil, nil
	case <-c.ctx.Done():
		waiter.resolve(nil)
		return nil, c.ctx.Err()
	}
}

// handleHistorySync routes history pages. Routine background sync pages are
// ignored; only ON_DEMAND pages answer a pending fetch.
func (c *Connection) handleHistorySync(evt *events.HistorySync) {
	if evt.Data.GetSyncType() != waHistorySync.HistorySync_ON_DEMAND {
		c.logger.Debug("whatsapp: background history sync page",
			"type", evt.Data.GetSyncType())
		return
	}

	c.historyMu.Lock()
	waiter := c.historyWaiter
	c.historyMu.Unlock()
	if waiter == nil {
		return
	}

	var msgs []*channels.InboundMessage
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hsMsg := range conv.GetMessages() {
			parsed, err := c.client.ParseWebMessage(chatJID, hsMsg.GetMessage())
			if err != nil {
				continue
			}
			if m := c.normalizeHistoryMessage(parsed); m != nil {
				msgs = append(msgs, m)
			}
		}
	}
	waiter.resolve(msgs)
}

// normalizeHistoryMessage converts a parsed history message into the
// unified inbound shape, skipping entries with no text content.
func (c *Connection) normalizeHistoryMessage(evt *events.Message) *channels.InboundMessage {
	content := c.extractContent(evt, false, channels.RegisteredGroup{})
	if content == "" {
		return nil
	}

	chatJID := evt.Info.Chat.String()
	sender := evt.Info.Sender.String()
	senderName := evt.Info.PushName
	if senderName == "" {
		senderName = strings.SplitN(sender, "@", 2)[0]
	}

	return &channels.InboundMessage{
		ID:           string(evt.Info.ID),
		ChatJID:      chatJID,
		Sender:       sender,
		SenderName:   senderName,
		Content:      content,
		Timestamp:    evt.Info.Timestamp,
		IsFromMe:     evt.Info.IsFromMe,
		IsBotMessage: c.isBotMessage(content, evt.Info.IsFromMe),
	}
}
