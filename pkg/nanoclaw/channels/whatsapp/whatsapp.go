// Package whatsapp implements the WhatsApp channel for NanoClaw using
// whatsmeow, a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Explicit connection state machine driven by transport events
//   - Outgoing message queue drained FIFO on reconnect
//   - LID (linked identity) to phone JID resolution with permanent cache
//   - On-demand history fetch correlated against async history sync events
//   - Group metadata sync on a 24h cadence
//   - Automatic reconnection with capped exponential backoff and jitter
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// ConnectionState represents the current connection state. Transitions are
// driven only by transport events, never by application code directly.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateReconnecting ConnectionState = "reconnecting"
	StateLoggedOut    ConnectionState = "logged_out"
)

const (
	// groupSyncInterval is how often group metadata is refreshed.
	groupSyncInterval = 24 * time.Hour

	// historyTimeout bounds an on-demand history fetch.
	historyTimeout = 30 * time.Second
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// DatabasePath is the SQLite database file for session storage.
	DatabasePath string `yaml:"database_path"`

	// AssistantName is prepended to outgoing messages on a shared number
	// so users can tell bot output from their own messages.
	AssistantName string `yaml:"assistant_name"`

	// AssistantHasOwnNumber disables the name prefix and switches
	// bot-message detection to the from-me flag.
	AssistantHasOwnNumber bool `yaml:"assistant_has_own_number"`

	// ReconnectBackoff is the initial backoff for reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the exponential backoff.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:        "./store/whatsapp.db",
		AssistantName:       "Andy",
		ReconnectBackoff:    5 * time.Second,
		MaxReconnectBackoff: 5 * time.Minute,
	}
}

// ChatStore is the persistent metadata collaborator injected by the host.
type ChatStore interface {
	UpdateChatName(jid, name string) error
	LastGroupSync() (time.Time, error)
	SetLastGroupSync(t time.Time) error
}

// Transcriber converts voice note audio to text. Optional.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// queuedMessage is an outgoing message held while the connection is not open.
type queuedMessage struct {
	jid  string
	text string
}

// historyWaiter correlates one on-demand history request with the matching
// async history sync event. resolve is idempotent.
type historyWaiter struct {
	once sync.Once
	ch   chan []*channels.InboundMessage
}

func (hw *historyWaiter) resolve(msgs []*channels.InboundMessage) {
	hw.once.Do(func() { hw.ch <- msgs })
}

// Connection implements channels.Connection for WhatsApp.
type Connection struct {
	cfg         Config
	logger      *slog.Logger
	callbacks   channels.Callbacks
	chats       ChatStore
	transcriber Transcriber

	client *whatsmeow.Client

	state atomic.Value // ConnectionState

	// outgoing holds messages queued while not open. Drained FIFO,
	// exactly once each, on transition to open.
	outgoingMu sync.Mutex
	outgoing   []queuedMessage
	flushing   bool

	// aliases maps LID users to stable phone JIDs. Entries never expire;
	// alias bindings are permanent for an account.
	aliasMu sync.Mutex
	aliases map[string]string

	// historyWaiter holds at most one pending on-demand history fetch.
	historyMu     sync.Mutex
	historyWaiter *historyWaiter

	// groupSyncArmed ensures the recurring sync timer starts only once
	// across reconnect cycles.
	groupSyncArmed atomic.Bool

	reconnectAttempts atomic.Int32
	qrCodes           chan string

	// loggedOut is closed exactly once on authoritative logout so the host
	// can observe the terminal state and shut down.
	loggedOut     chan struct{}
	loggedOutOnce sync.Once

	// sendText and lidLookup are indirections over the whatsmeow client so
	// queue and alias logic can run without a live transport.
	sendText  func(ctx context.Context, jid types.JID, text string) error
	lidLookup func(ctx context.Context, jid types.JID) (types.JID, error)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp connection.
func New(cfg Config, callbacks channels.Callbacks, chats ChatStore, transcriber Transcriber, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.MaxReconnectBackoff == 0 {
		cfg.MaxReconnectBackoff = 5 * time.Minute
	}

	c := &Connection{
		cfg:         cfg,
		logger:      logger.With("component", "whatsapp"),
		callbacks:   callbacks,
		chats:       chats,
		transcriber: transcriber,
		aliases:     make(map[string]string),
		qrCodes:     make(chan string, 8),
		loggedOut:   make(chan struct{}),
	}
	c.setState(StateConnecting)
	return c
}

// Name returns "whatsapp".
func (c *Connection) Name() string { return "whatsapp" }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	if v := c.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateConnecting
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(s)
}

// IsConnected returns true while the connection is open.
func (c *Connection) IsConnected() bool {
	return c.State() == StateOpen
}

// OwnsJID reports whether the JID belongs to WhatsApp's namespace.
func (c *Connection) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@s.whatsapp.net")
}

// QRCodes returns the channel on which login QR codes are delivered.
func (c *Connection) QRCodes() <-chan string {
	return c.qrCodes
}

// LoggedOut returns a channel that is closed when the platform reports an
// authoritative logout. The session is invalid at that point; the host must
// stop and require re-authentication rather than retry.
func (c *Connection) LoggedOut() <-chan struct{} {
	return c.loggedOut
}

// Connect establishes the WhatsApp Web connection via whatsmeow. If no
// session exists the QR login flow runs and codes are delivered on QRCodes.
func (c *Connection) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(StateConnecting)

	container, err := sqlstore.New(c.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", c.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := c.getDevice(c.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo("NanoClaw", [3]uint32{1, 0, 0})

	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	c.sendText = c.clientSendText
	c.lidLookup = c.clientLIDLookup

	if c.client.Store.ID == nil {
		return c.loginWithQR(c.ctx)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Disconnect gracefully closes the connection.
func (c *Connection) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil {
		c.client.Disconnect()
	}
	c.logger.Info("whatsapp: disconnected")
	return nil
}

// SendMessage sends a text message to the given JID. If the connection is
// not open the message is queued and the call returns without error;
// delivery is asynchronous, best-effort at-least-once. A failed transport
// send is likewise queued for retry on reconnect rather than dropped.
func (c *Connection) SendMessage(ctx context.Context, jid, text string) error {
	// Prefix bot messages with the assistant name so users know who is
	// speaking. Skipped when the assistant has its own dedicated number.
	if !c.cfg.AssistantHasOwnNumber {
		text = fmt.Sprintf("%s: %s", c.cfg.AssistantName, text)
	}

	if c.State() != StateOpen {
		n := c.enqueue(jid, text)
		c.logger.Info("whatsapp: disconnected, message queued",
			"jid", jid, "length", len(text), "queue_size", n)
		return nil
	}

	target, err := parseJID(jid)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", jid, err)
	}
	if err := c.sendText(ctx, target, text); err != nil {
		n := c.enqueue(jid, text)
		c.logger.Warn("whatsapp: send failed, message queued",
			"jid", jid, "error", err, "queue_size", n)
		return nil
	}
	c.logger.Info("whatsapp: message sent", "jid", jid, "length", len(text))
	return nil
}

// SetTyping toggles the composing indicator for the chat.
func (c *Connection) SetTyping(ctx context.Context, jid string, typing bool) error {
	if c.client == nil {
		return nil
	}
	target, err := parseJID(jid)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	if err := c.client.SendChatPresence(ctx, target, state, types.ChatPresenceMediaText); err != nil {
		c.logger.Debug("whatsapp: failed to update typing status", "jid", jid, "error", err)
	}
	return nil
}

// enqueue appends a message to the outgoing queue and returns the new size.
func (c *Connection) enqueue(jid, text string) int {
	c.outgoingMu.Lock()
	defer c.outgoingMu.Unlock()
	c.outgoing = append(c.outgoing, queuedMessage{jid: jid, text: text})
	return len(c.outgoing)
}

// queueLen returns the current outgoing queue size.
func (c *Connection) queueLen() int {
	c.outgoingMu.Lock()
	defer c.outgoingMu.Unlock()
	return len(c.outgoing)
}

// flushOutgoingQueue drains the queue in FIFO order, sending each item
// exactly once. Queued items are already prefixed by SendMessage.
func (c *Connection) flushOutgoingQueue(ctx context.Context) error {
	c.outgoingMu.Lock()
	if c.flushing || len(c.outgoing) == 0 {
		c.outgoingMu.Unlock()
		return nil
	}
	c.flushing = true
	c.outgoingMu.Unlock()

	defer func() {
		c.outgoingMu.Lock()
		c.flushing = false
		c.outgoingMu.Unlock()
	}()

	c.logger.Info("whatsapp: flushing outgoing message queue", "count", c.queueLen())
	for {
		c.outgoingMu.Lock()
		if len(c.outgoing) == 0 {
			c.outgoingMu.Unlock()
			return nil
		}
		item := c.outgoing[0]
		c.outgoing = c.outgoing[1:]
		c.outgoingMu.Unlock()

		target, err := parseJID(item.jid)
		if err != nil {
			c.logger.Warn("whatsapp: dropping queued message with bad JID",
				"jid", item.jid, "error", err)
			continue
		}
		if err := c.sendText(ctx, target, item.text); err != nil {
			return fmt.Errorf("sending queued message to %s: %w", item.jid, err)
		}
		c.logger.Info("whatsapp: queued message sent",
			"jid", item.jid, "length", len(item.text))
	}
}

// attemptReconnect reconnects with capped exponential backoff plus jitter.
// The original single-retry behavior left the process stranded after two
// failures; repeated attempts use the same backoff pattern as media
// downloads elsewhere in the gateway.
func (c *Connection) attemptReconnect() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		attempt := c.reconnectAttempts.Add(1)
		backoff := c.cfg.ReconnectBackoff * time.Duration(1<<uint(min(attempt-1, 10)))
		if backoff > c.cfg.MaxReconnectBackoff {
			backoff = c.cfg.MaxReconnectBackoff
		}
		backoff += time.Duration(rand.Int63n(int64(backoff)/4 + 1))

		c.logger.Info("whatsapp: attempting reconnect",
			"attempt", attempt, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return
		}

		if c.client.IsConnected() {
			c.client.Disconnect()
		}
		if err := c.client.Connect(); err != nil {
			c.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempt, "error", err)
			continue
		}
		// The Connected event finishes the transition to open.
		return
	}
}

// getDevice retrieves an existing device or creates a new one.
func (c *Connection) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, forwarding codes to QRCodes.
func (c *Connection) loginWithQR(ctx context.Context) error {
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			select {
			case c.qrCodes <- evt.Code:
			default:
			}
		case "success":
			c.logger.Info("whatsapp: login successful")
			return nil
		case "timeout":
			return fmt.Errorf("QR code timed out, restart to retry")
		default:
			if evt.Error != nil {
				return fmt.Errorf("QR login: %w", evt.Error)
			}
		}
	}
	return fmt.Errorf("QR channel closed unexpectedly")
}

func (c *Connection) clientSendText(ctx context.Context, jid types.JID, text string) error {
	_, err := c.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *Connection) clientLIDLookup(ctx context.Context, jid types.JID) (types.JID, error) {
	return c.client.Store.GetAltJID(ctx, jid)
}

// resolveAlias translates an ephemeral LID JID into the stable phone JID.
// Resolution order: local cache, then the session key store; on both
// failing the original address is returned unresolved. Successful
// resolutions are cached for the process lifetime.
func (c *Connection) resolveAlias(ctx context.Context, jid types.JID) string {
	if jid.Server != types.HiddenUserServer {
		return jid.String()
	}

	c.aliasMu.Lock()
	cached, ok := c.aliases[jid.User]
	c.aliasMu.Unlock()
	if ok {
		return cached
	}

	if c.lidLookup != nil {
		if alt, err := c.lidLookup(ctx, jid); err == nil && !alt.IsEmpty() {
			resolved := alt.String()
			c.aliasMu.Lock()
			c.aliases[jid.User] = resolved
			c.aliasMu.Unlock()
			c.logger.Debug("whatsapp: resolved LID to phone JID",
				"lid", jid.String(), "phone", resolved)
			return resolved
		}
	}
	return jid.String()
}

// cacheSelfAlias records the mapping between our own LID and phone JID so
// self-chat messages resolve without a store query.
func (c *Connection) cacheSelfAlias() {
	if c.client == nil || c.client.Store == nil {
		return
	}
	id := c.client.Store.ID
	lid := c.client.Store.LID
	if id == nil || lid.IsEmpty() {
		return
	}
	c.aliasMu.Lock()
	c.aliases[lid.User] = id.ToNonAD().String()
	c.aliasMu.Unlock()
	c.logger.Debug("whatsapp: self LID mapping set",
		"lid", lid.User, "phone", id.User)
}

// syncGroupMetadata refreshes group subjects into the chat store. Skipped
// when the last sync was within groupSyncInterval unless forced.
func (c *Connection) syncGroupMetadata(ctx context.Context, force bool) error {
	if c.chats == nil {
		return nil
	}
	if !force {
		if last, err := c.chats.LastGroupSync(); err == nil && !last.IsZero() {
			if time.Since(last) < groupSyncInterval {
				c.logger.Debug("whatsapp: skipping group sync, synced recently", "last", last)
				return nil
			}
		}
	}

	c.logger.Info("whatsapp: syncing group metadata")
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetching joined groups: %w", err)
	}

	count := 0
	for _, g := range groups {
		if g.Name == "" {
			continue
		}
		if err := c.chats.UpdateChatName(g.JID.String(), g.Name); err != nil {
			c.logger.Warn("whatsapp: failed to store group name",
				"jid", g.JID, "error", err)
			continue
		}
		count++
	}
	if err := c.chats.SetLastGroupSync(time.Now()); err != nil {
		c.logger.Warn("whatsapp: failed to record group sync time", "error", err)
	}
	c.logger.Info("whatsapp: group metadata synced", "count", count)
	return nil
}

// SyncGroups triggers an immediate metadata sync, bypassing the 24h cache.
func (c *Connection) SyncGroups(ctx context.Context) error {
	return c.syncGroupMetadata(ctx, true)
}

// parseJID converts a string JID to types.JID. Accepts "5511999999999",
// "5511999999999@s.whatsapp.net", or group IDs like "1234-5678@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
