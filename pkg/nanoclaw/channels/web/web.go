// Package web implements the local web channel: a small HTTP server with a
// websocket endpoint for the browser client. All web traffic maps onto the
// single auto-registered "web:web" conversation.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

const (
	// JID is the fixed conversation address for the web channel.
	JID         = "web:web"
	groupName   = "Web"
	groupFolder = "web"

	pingInterval   = 30 * time.Second
	historyLimit   = 50
	maxVoiceBytes  = 5 * 1024 * 1024
	maxUploadBytes = 10 * 1024 * 1024
)

// Config holds web channel configuration.
type Config struct {
	// Port the HTTP/websocket server listens on.
	Port int `yaml:"port"`

	// Token gates every endpoint except the shell page, via bearer header
	// or ?token= query parameter.
	Token string `yaml:"token"`

	// AssistantName labels outgoing bot messages.
	AssistantName string `yaml:"assistant_name"`

	// WebDir holds the shell page and static assets.
	WebDir string `yaml:"web_dir"`

	// MediaDir receives uploaded images and serves /media/ fetches.
	MediaDir string `yaml:"media_dir"`
}

// MessageStore is the persistence collaborator for web chat history.
type MessageStore interface {
	StoreMessage(msg *channels.InboundMessage) error
	RecentMessages(jid string, limit int) ([]*channels.InboundMessage, error)
}

// Transcriber converts voice audio to text. Optional.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Registrar auto-registers the web group on startup.
type Registrar interface {
	RegisterGroup(group channels.RegisteredGroup) error
}

// wsClient is one connected browser tab. alive is flipped by pong replies
// and checked before each ping; a client that missed the previous ping is
// pruned before the next one goes out.
type wsClient struct {
	conn  *websocket.Conn
	alive bool
	wmu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Connection implements channels.Connection for the web client.
type Connection struct {
	cfg         Config
	logger      *slog.Logger
	callbacks   channels.Callbacks
	store       MessageStore
	transcriber Transcriber
	registrar   Registrar

	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	cancel context.CancelFunc
}

// New creates a new web connection.
func New(cfg Config, callbacks channels.Callbacks, store MessageStore, transcriber Transcriber, registrar Registrar, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:         cfg,
		logger:      logger.With("component", "web"),
		callbacks:   callbacks,
		store:       store,
		transcriber: transcriber,
		registrar:   registrar,
		clients:     make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Name returns "web".
func (c *Connection) Name() string { return "web" }

// OwnsJID reports whether the JID belongs to the web namespace.
func (c *Connection) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "web:")
}

// IsConnected returns true while the server is listening.
func (c *Connection) IsConnected() bool {
	return c.server != nil
}

// Connect auto-registers the web group and starts the HTTP server.
func (c *Connection) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.registrar != nil {
		groups := map[string]channels.RegisteredGroup{}
		if c.callbacks.RegisteredGroups != nil {
			groups = c.callbacks.RegisteredGroups()
		}
		if _, ok := groups[JID]; !ok {
			err := c.registrar.RegisterGroup(channels.RegisteredGroup{
				JID:     JID,
				Name:    groupName,
				Folder:  groupFolder,
				Trigger: "@" + c.cfg.AssistantName,
				AddedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("registering web group: %w", err)
			}
		}
	}

	mux := http.NewServeMux()
	c.routes(mux)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Port))
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("web: server error", "error", err)
		}
	}()
	go c.pingLoop(ctx)

	c.logger.Info("web: channel listening", "port", c.cfg.Port)
	return nil
}

// Disconnect closes all clients and stops the server.
func (c *Connection) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for client := range c.clients {
		client.conn.Close()
	}
	c.clients = make(map[*wsClient]struct{})
	c.mu.Unlock()

	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := c.server.Shutdown(ctx)
		c.server = nil
		return err
	}
	return nil
}

// SendMessage stores the bot message and broadcasts it to all clients.
func (c *Connection) SendMessage(ctx context.Context, jid, text string) error {
	now := time.Now()
	if c.store != nil {
		err := c.store.StoreMessage(&channels.InboundMessage{
			ID:           "web-bot-" + uuid.NewString(),
			ChatJID:      JID,
			Sender:       c.cfg.AssistantName,
			SenderName:   c.cfg.AssistantName,
			Content:      text,
			Timestamp:    now,
			IsBotMessage: true,
		})
		if err != nil {
			c.logger.Warn("web: failed to store bot message", "error", err)
		}
	}
	c.broadcast(map[string]any{
		"type":      "message",
		"sender":    c.cfg.AssistantName,
		"text":      text,
		"timestamp": now.Format(time.RFC3339),
		"isFromMe":  true,
	})
	return nil
}

// SetTyping broadcasts the typing indicator to all clients.
func (c *Connection) SetTyping(ctx context.Context, jid string, typing bool) error {
	c.broadcast(map[string]any{"type": "typing", "isTyping": typing})
	return nil
}

// BroadcastActivity forwards a host-side progress event to all clients.
func (c *Connection) BroadcastActivity(evt channels.ActivityEvent) {
	frame := map[string]any{"type": "activity", "kind": evt.Kind}
	for k, v := range evt.Details {
		frame[k] = v
	}
	c.broadcast(frame)
}

func (c *Connection) broadcast(frame map[string]any) {
	c.mu.Lock()
	clients := make([]*wsClient, 0, len(c.clients))
	for client := range c.clients {
		clients = append(clients, client)
	}
	c.mu.Unlock()

	for _, client := range clients {
		if err := client.writeJSON(frame); err != nil {
			c.removeClient(client)
		}
	}
}

// pingLoop pings all clients on a fixed interval, pruning any client that
// failed to answer the previous ping.
func (c *Connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			clients := make([]*wsClient, 0, len(c.clients))
			for client := range c.clients {
				clients = append(clients, client)
			}
			c.mu.Unlock()

			for _, client := range clients {
				c.mu.Lock()
				alive := client.alive
				client.alive = false
				c.mu.Unlock()
				if !alive {
					c.logger.Info("web: pruning unresponsive client")
					client.conn.Close()
					c.removeClient(client)
					continue
				}
				client.wmu.Lock()
				err := client.conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(5*time.Second))
				client.wmu.Unlock()
				if err != nil {
					client.conn.Close()
					c.removeClient(client)
				}
			}
		}
	}
}

func (c *Connection) removeClient(client *wsClient) {
	c.mu.Lock()
	delete(c.clients, client)
	c.mu.Unlock()
}

// handleWS upgrades the connection, replays recent history, and reads
// inbound frames until the client goes away.
func (c *Connection) handleWS(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("web: upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, alive: true}
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		client.alive = true
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	c.clients[client] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("web: client connected")

	c.sendHistory(client)

	go func() {
		defer func() {
			conn.Close()
			c.removeClient(client)
			c.logger.Info("web: client disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue // malformed frames are dropped
			}
			if frame.Type == "message" {
				c.handleInbound(strings.TrimSpace(frame.Text))
			}
		}
	}()
}

// sendHistory replays stored messages in chronological order.
func (c *Connection) sendHistory(client *wsClient) {
	if c.store == nil {
		return
	}
	msgs, err := c.store.RecentMessages(JID, historyLimit)
	if err != nil {
		c.logger.Warn("web: history load failed", "error", err)
		return
	}
	history := make([]map[string]any, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		history = append(history, map[string]any{
			"sender":    m.SenderName,
			"text":      m.Content,
			"timestamp": m.Timestamp.Format(time.RFC3339),
			"isFromMe":  m.IsFromMe || m.IsBotMessage,
		})
	}
	if err := client.writeJSON(map[string]any{"type": "history", "messages": history}); err != nil {
		c.removeClient(client)
	}
}

// handleInbound surfaces a user message from any tab and echoes it to all
// tabs so multi-tab sessions stay in sync.
func (c *Connection) handleInbound(text string) {
	if text == "" {
		return
	}
	now := time.Now()
	msg := &channels.InboundMessage{
		ID:         "web-" + uuid.NewString(),
		ChatJID:    JID,
		Sender:     "web-user",
		SenderName: "User",
		Content:    text,
		Timestamp:  now,
	}
	if c.callbacks.OnChatMetadata != nil {
		c.callbacks.OnChatMetadata(JID, now, groupName, "web", false)
	}
	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(JID, msg)
	}
	c.broadcast(map[string]any{
		"type":      "message",
		"sender":    "User",
		"text":      text,
		"timestamp": now.Format(time.RFC3339),
		"isFromMe":  false,
	})
}

// checkAuth accepts a bearer token or ?token= query parameter.
func (c *Connection) checkAuth(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == c.cfg.Token
	}
	return r.URL.Query().Get("token") == c.cfg.Token
}

// mediaPath validates a media filename and resolves it under MediaDir.
// Path traversal names are rejected.
func (c *Connection) mediaPath(name string) (string, error) {
	base := filepath.Base(name)
	if base == "" || base == "." || strings.Contains(name, "..") {
		return "", fmt.Errorf("bad media name %q", name)
	}
	return filepath.Join(c.cfg.MediaDir, base), nil
}
