package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/telegram"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/web"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/config"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/store"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/transcribe"
)

// newServeCmd creates the `nanoclaw serve` command that starts the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway with all configured channels",
		Long: `Start NanoClaw as a daemon, connecting WhatsApp, Telegram, and
the local web client, and bridging registered chats to the agent over IPC.

Examples:
  nanoclaw serve
  nanoclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := store.New(cfg.StorePath(), logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	bridge, err := ipc.NewBridge(cfg.IPCRoot, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transcriber whatsapp.Transcriber
	if cfg.Transcribe.APIKey != "" {
		transcriber = transcribe.NewClient(cfg.Transcribe, logger)
	} else {
		transcriber = transcribe.Noop{}
		logger.Info("transcription not configured, voice notes get a placeholder")
	}

	callbacks := channels.Callbacks{
		OnChatMetadata: func(jid string, ts time.Time, name, channel string, isGroup bool) {
			if err := db.UpsertChat(jid, ts, name, channel, isGroup); err != nil {
				logger.Warn("failed to record chat metadata", "jid", jid, "error", err)
			}
		},
		RegisteredGroups: func() map[string]channels.RegisteredGroup {
			groups, err := db.RegisteredGroups()
			if err != nil {
				logger.Error("failed to load registered groups", "error", err)
				return nil
			}
			return groups
		},
	}
	callbacks.OnMessage = func(chatJID string, msg *channels.InboundMessage) {
		if err := db.StoreMessage(msg); err != nil {
			logger.Warn("failed to store message", "id", msg.ID, "error", err)
		}
		forwardToAgent(bridge, callbacks.RegisteredGroups(), chatJID, msg, logger)
	}

	// Channels. WhatsApp is the core channel; telegram and web start only
	// when configured.
	wa := whatsapp.New(cfg.WhatsApp, callbacks, db, transcriber, logger)
	router := channels.NewRouter(wa)

	go printQRCodes(wa, logger)
	if err := wa.Connect(ctx); err != nil {
		return fmt.Errorf("connecting WhatsApp: %w", err)
	}
	logger.Info("WhatsApp channel started")

	if cfg.Telegram.Token != "" {
		tg := telegram.New(cfg.Telegram, callbacks, transcriber, logger)
		if err := tg.Connect(ctx); err != nil {
			logger.Error("failed to start Telegram", "error", err)
		} else {
			router.Register(tg)
			logger.Info("Telegram channel started")
		}
	}

	var webConn *web.Connection
	if cfg.Web.Token != "" {
		webConn = web.New(cfg.Web, callbacks, db, transcriber, db, logger)
		if err := webConn.Connect(ctx); err != nil {
			logger.Error("failed to start web channel", "error", err)
		} else {
			router.Register(webConn)
			logger.Info("web channel started", "port", cfg.Web.Port)
		}
	}

	// Scheduler fires task prompts back through the IPC mailbox so the
	// external agent runtime picks them up.
	sched := scheduler.New(db, func(ctx context.Context, task *scheduler.Task) error {
		return bridge.WriteMessage(map[string]any{
			"type":         "task_run",
			"task_id":      task.ID,
			"prompt":       task.Prompt,
			"context_mode": task.ContextMode,
			"target_jid":   task.TargetJID,
			"group_folder": task.GroupFolder,
			"timestamp":    time.Now().Format(time.RFC3339),
		})
	}, cfg.IPCRoot, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	dispatcher := &ipc.Dispatcher{
		Sender:    routerSender{router: router},
		Scheduler: sched,
		Directory: db,
		History:   historyAdapter{wa: wa, db: db},
		Syncer:    wa,
	}
	watcher := ipc.NewWatcher(cfg.IPCRoot, 0, dispatcher.Handle, nil, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ipc watcher stopped", "error", err)
		}
	}()

	logger.Info("NanoClaw running. Press Ctrl+C to stop.",
		"assistant", cfg.AssistantName, "ipc_root", cfg.IPCRoot)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	case <-wa.LoggedOut():
		logger.Error("WhatsApp session logged out, shutting down; run serve again to re-authenticate")
	}

	cancel()
	for _, conn := range router.Connections() {
		if err := conn.Disconnect(); err != nil {
			logger.Warn("channel disconnect failed", "channel", conn.Name(), "error", err)
		}
	}
	return nil
}

// forwardToAgent writes an inbound event into the IPC mailbox when the chat
// is registered. Bot echoes and non-triggered group chatter stay local.
func forwardToAgent(bridge *ipc.Bridge, groups map[string]channels.RegisteredGroup, chatJID string, msg *channels.InboundMessage, logger *slog.Logger) {
	if msg.IsBotMessage {
		return
	}
	group, ok := groups[chatJID]
	if !ok {
		return
	}
	if group.RequiresTrigger && group.Trigger != "" &&
		!strings.Contains(strings.ToLower(msg.Content), strings.ToLower(group.Trigger)) {
		return
	}
	err := bridge.WriteMessage(map[string]any{
		"type":         "message",
		"group_folder": group.Folder,
		"chat_jid":     chatJID,
		"message":      msg,
	})
	if err != nil {
		logger.Warn("failed to forward message to agent", "jid", chatJID, "error", err)
	}
}

// printQRCodes renders login QR codes to the terminal.
func printQRCodes(wa *whatsapp.Connection, logger *slog.Logger) {
	for code := range wa.QRCodes() {
		logger.Info("scan the QR code below with WhatsApp")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
}

// routerSender delivers outbound text through whichever channel owns the JID.
type routerSender struct {
	router *channels.Router
}

func (s routerSender) Send(ctx context.Context, jid, text string) error {
	conn := s.router.OwnerOf(jid)
	if conn == nil {
		return fmt.Errorf("no channel owns JID %q", jid)
	}
	return conn.SendMessage(ctx, jid, text)
}

// historyAdapter anchors on-demand history fetches at the oldest stored
// message for the chat.
type historyAdapter struct {
	wa *whatsapp.Connection
	db *store.Store
}

func (h historyAdapter) FetchHistory(ctx context.Context, jid string, count int) ([]*channels.InboundMessage, error) {
	oldest, err := h.db.OldestMessage(jid)
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return nil, fmt.Errorf("no local history for %q to anchor on", jid)
	}
	return h.wa.FetchOlderHistory(jid, whatsapp.HistoryAnchor{
		MessageID: oldest.ID,
		FromMe:    oldest.IsFromMe,
		Timestamp: oldest.Timestamp,
	}, count)
}
