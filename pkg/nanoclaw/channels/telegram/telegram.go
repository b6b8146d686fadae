// Package telegram implements the Telegram channel for NanoClaw via the
// Bot API (long polling). Chats are addressed as "tg:<chat id>" so the
// namespace never overlaps WhatsApp or web JIDs.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// maxMessageLen is Telegram's hard per-message limit.
	maxMessageLen = 4096

	// Voice downloads retry with capped exponential backoff plus jitter.
	maxDownloadAttempts = 3
	downloadBackoffCap  = 8 * time.Second
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token from @BotFather.
	Token string `yaml:"token"`

	// AllowedUsers restricts which Telegram user IDs can interact.
	// Empty means all senders in registered chats are allowed.
	AllowedUsers []int64 `yaml:"allowed_users"`

	// AssistantName is used for the /ping reply and trigger translation.
	AssistantName string `yaml:"assistant_name"`
}

// Transcriber converts voice note audio to text. Optional.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Connection implements channels.Connection for Telegram.
type Connection struct {
	cfg         Config
	logger      *slog.Logger
	callbacks   channels.Callbacks
	transcriber Transcriber

	bot       *tgbotapi.BotAPI
	connected atomic.Bool

	// download fetches a file URL; swapped in tests.
	download func(ctx context.Context, url string) ([]byte, error)

	cancel context.CancelFunc
}

// New creates a new Telegram connection.
func New(cfg Config, callbacks channels.Callbacks, transcriber Transcriber, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		cfg:         cfg,
		logger:      logger.With("component", "telegram"),
		callbacks:   callbacks,
		transcriber: transcriber,
	}
	c.download = c.httpDownload
	return c
}

// Name returns "telegram".
func (c *Connection) Name() string { return "telegram" }

// OwnsJID reports whether the JID belongs to the Telegram namespace.
func (c *Connection) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "tg:")
}

// IsConnected returns true while the bot is polling.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// Connect initializes the bot and starts the update polling loop.
func (c *Connection) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	c.bot = bot
	c.connected.Store(true)
	c.logger.Info("telegram: bot connected",
		"username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("telegram: stopping")
				bot.StopReceivingUpdates()
				c.connected.Store(false)
				return
			case update, ok := <-updates:
				if !ok {
					c.connected.Store(false)
					return
				}
				c.handleUpdate(ctx, update)
			}
		}
	}()
	return nil
}

// Disconnect stops the polling loop.
func (c *Connection) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)
	return nil
}

// SendMessage sends text to a chat, splitting it into at most 4096-char
// chunks sent in order. Each chunk is first tried with Markdown formatting
// and resent as plain text if the formatting is rejected.
func (c *Connection) SendMessage(ctx context.Context, jid, text string) error {
	if c.bot == nil {
		return channels.ErrChannelDisconnected
	}
	chatID, err := parseChatID(jid)
	if err != nil {
		return err
	}

	for _, chunk := range chunkText(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := c.bot.Send(msg); err != nil {
			plain := tgbotapi.NewMessage(chatID, chunk)
			if _, err := c.bot.Send(plain); err != nil {
				return fmt.Errorf("sending telegram message: %w", err)
			}
		}
	}
	c.logger.Info("telegram: message sent", "jid", jid, "length", len(text))
	return nil
}

// SetTyping sends the typing chat action. Telegram auto-expires it, so
// typing=false is a no-op.
func (c *Connection) SetTyping(ctx context.Context, jid string, typing bool) error {
	if c.bot == nil || !typing {
		return nil
	}
	chatID, err := parseChatID(jid)
	if err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		c.logger.Debug("telegram: typing indicator failed", "jid", jid, "error", err)
	}
	return nil
}

// handleUpdate normalizes one Bot API update.
func (c *Connection) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil {
		return
	}

	chatJID := fmt.Sprintf("tg:%d", m.Chat.ID)

	if m.IsCommand() {
		c.handleCommand(chatJID, m)
		return
	}

	group, registered := c.registeredGroup(chatJID)
	if !registered {
		c.logger.Debug("telegram: message from unregistered chat",
			"chat", chatJID, "title", m.Chat.Title)
		return
	}
	if !c.senderAllowed(m.From.ID) {
		c.logger.Debug("telegram: sender not in allowlist",
			"sender", m.From.ID, "chat", chatJID)
		return
	}

	content := c.extractContent(ctx, m, group)
	if content == "" {
		return
	}

	timestamp := time.Unix(int64(m.Date), 0)
	senderName := senderDisplayName(m.From)
	chatName := m.Chat.Title
	if m.Chat.IsPrivate() {
		chatName = senderName
	}

	if c.callbacks.OnChatMetadata != nil {
		c.callbacks.OnChatMetadata(chatJID, timestamp, chatName, "telegram", !m.Chat.IsPrivate())
	}
	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(chatJID, &channels.InboundMessage{
			ID:         fmt.Sprintf("%d", m.MessageID),
			ChatJID:    chatJID,
			Sender:     fmt.Sprintf("%d", m.From.ID),
			SenderName: senderName,
			Content:    content,
			Timestamp:  timestamp,
		})
	}
	c.logger.Info("telegram: message stored",
		"chat", chatJID, "sender", senderName)
}

// handleCommand answers /chatid (open to everyone, needed for registration)
// and /ping (registered chats only).
func (c *Connection) handleCommand(chatJID string, m *tgbotapi.Message) {
	switch m.Command() {
	case "chatid":
		chatType := m.Chat.Type
		name := m.Chat.Title
		if m.Chat.IsPrivate() {
			name = m.From.FirstName
		}
		reply := tgbotapi.NewMessage(m.Chat.ID,
			fmt.Sprintf("Chat ID: `%s`\nName: %s\nType: %s", chatJID, name, chatType))
		reply.ParseMode = tgbotapi.ModeMarkdown
		if _, err := c.bot.Send(reply); err != nil {
			c.logger.Warn("telegram: chatid reply failed", "error", err)
		}
	case "ping":
		if _, registered := c.registeredGroup(chatJID); !registered {
			return
		}
		reply := tgbotapi.NewMessage(m.Chat.ID, c.cfg.AssistantName+" is online.")
		if _, err := c.bot.Send(reply); err != nil {
			c.logger.Warn("telegram: ping reply failed", "error", err)
		}
	}
}

// extractContent returns the normalized text for a message, downloading and
// transcribing voice notes and substituting placeholders for other media.
func (c *Connection) extractContent(ctx context.Context, m *tgbotapi.Message, group channels.RegisteredGroup) string {
	if m.Text != "" {
		return c.translateMention(m)
	}

	caption := ""
	if m.Caption != "" {
		caption = " " + m.Caption
	}

	switch {
	case m.Voice != nil:
		return c.transcribeVoice(ctx, m)
	case len(m.Photo) > 0:
		return "[Photo]" + caption
	case m.Video != nil:
		return "[Video]" + caption
	case m.Audio != nil:
		return "[Audio]" + caption
	case m.Document != nil:
		name := m.Document.FileName
		if name == "" {
			name = "file"
		}
		return fmt.Sprintf("[Document: %s]%s", name, caption)
	case m.Sticker != nil:
		return fmt.Sprintf("[Sticker %s]", m.Sticker.Emoji)
	case m.Location != nil:
		return "[Location]"
	case m.Contact != nil:
		return "[Contact]"
	}
	return ""
}

// translateMention rewrites a @botusername mention into the assistant
// trigger so the shared trigger pattern matches Telegram-style mentions.
func (c *Connection) translateMention(m *tgbotapi.Message) string {
	content := m.Text
	botUser := strings.ToLower(c.bot.Self.UserName)
	if botUser == "" {
		return content
	}
	trigger := "@" + c.cfg.AssistantName
	if strings.HasPrefix(content, trigger) {
		return content
	}
	for _, entity := range m.Entities {
		if entity.Type != "mention" {
			continue
		}
		mention := strings.ToLower(entityText(content, entity.Offset, entity.Length))
		if mention == "@"+botUser {
			return trigger + " " + content
		}
	}
	return content
}

// entityText slices an entity out of message text. Bot API entity offsets
// count UTF-16 code units, not bytes.
func entityText(content string, offset, length int) string {
	units := utf16.Encode([]rune(content))
	end := offset + length
	if offset < 0 || length < 0 || end > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset:end]))
}

// transcribeVoice downloads the voice file with bounded retries and runs it
// through the transcription collaborator, degrading to a placeholder.
func (c *Connection) transcribeVoice(ctx context.Context, m *tgbotapi.Message) string {
	const placeholder = "[Voice message]"
	if c.transcriber == nil {
		return placeholder
	}

	url, err := c.bot.GetFileDirectURL(m.Voice.FileID)
	if err != nil {
		c.logger.Error("telegram: voice file lookup failed", "error", err)
		return placeholder
	}

	var audio []byte
	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		audio, err = c.download(ctx, url)
		if err == nil && len(audio) > 0 {
			break
		}
		c.logger.Warn("telegram: voice download failed",
			"attempt", attempt, "error", err)
		if attempt < maxDownloadAttempts {
			select {
			case <-time.After(downloadBackoff(attempt)):
			case <-ctx.Done():
				return placeholder
			}
		}
	}
	if len(audio) == 0 {
		c.logger.Error("telegram: voice download failed after retries")
		return placeholder
	}

	transcript, err := c.transcriber.Transcribe(ctx, audio, "voice.oga", "audio/ogg")
	if err != nil {
		c.logger.Error("telegram: voice transcription failed", "error", err)
		return placeholder
	}
	if transcript == "" {
		return placeholder
	}
	c.logger.Info("telegram: transcribed voice message", "length", len(transcript))
	return "[Voice: " + transcript + "]"
}

func (c *Connection) httpDownload(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Connection) registeredGroup(chatJID string) (channels.RegisteredGroup, bool) {
	if c.callbacks.RegisteredGroups == nil {
		return channels.RegisteredGroup{}, false
	}
	g, ok := c.callbacks.RegisteredGroups()[chatJID]
	return g, ok
}

func (c *Connection) senderAllowed(userID int64) bool {
	if len(c.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.cfg.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// downloadBackoff returns 2^attempt * 500ms capped at 8s, plus up to 500ms
// of jitter.
func downloadBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if backoff > downloadBackoffCap {
		backoff = downloadBackoffCap
	}
	return backoff + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
}

// chunkText splits text into chunks of at most max runes, preserving order
// with no loss. Splitting counts runes, not bytes, so multi-byte text is
// never cut mid-character.
func chunkText(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// parseChatID extracts the numeric chat ID from a "tg:" JID.
func parseChatID(jid string) (int64, error) {
	raw := strings.TrimPrefix(jid, "tg:")
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid telegram JID %q: %w", jid, err)
	}
	return id, nil
}

func senderDisplayName(u *tgbotapi.User) string {
	switch {
	case u.FirstName != "":
		return u.FirstName
	case u.UserName != "":
		return u.UserName
	default:
		return fmt.Sprintf("%d", u.ID)
	}
}
