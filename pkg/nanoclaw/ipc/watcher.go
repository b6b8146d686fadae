package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Handler processes one consumed request. A nil result with a nil error
// means the request was fire-and-forget; a non-nil result (or error) is
// written as the response when the request carries a requestId.
type Handler func(ctx context.Context, req *Request) (any, error)

// Watcher is the host-side consumer of the IPC tree: it polls the tasks
// and messages directories, dispatches complete files, and deletes them
// after handling.
type Watcher struct {
	root     string
	interval time.Duration
	logger   *slog.Logger

	onTask    Handler
	onMessage func(ctx context.Context, payload json.RawMessage)
}

// NewWatcher creates a watcher over the same root a Bridge writes to.
func NewWatcher(root string, interval time.Duration, onTask Handler, onMessage func(ctx context.Context, payload json.RawMessage), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = pollInterval
	}
	return &Watcher{
		root:      root,
		interval:  interval,
		logger:    logger.With("component", "ipc-watcher"),
		onTask:    onTask,
		onMessage: onMessage,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep consumes everything currently sitting in the tasks and messages
// directories. Exposed for tests and for a final drain on shutdown.
func (w *Watcher) Sweep(ctx context.Context) {
	w.sweepDir(ctx, tasksDir, w.consumeTask)
	w.sweepDir(ctx, messagesDir, w.consumeMessage)
}

func (w *Watcher) sweepDir(ctx context.Context, dir string, consume func(ctx context.Context, path string)) {
	entries, err := os.ReadDir(filepath.Join(w.root, dir))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			// Temp files are a rename in flight, leave them alone.
			continue
		}
		consume(ctx, filepath.Join(w.root, dir, entry.Name()))
	}
}

// consumeTask parses, dispatches, and deletes one request file. Malformed
// files are dropped with a log rather than crashing the loop.
func (w *Watcher) consumeTask(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer os.Remove(path)

	var envelope struct {
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		w.logger.Warn("ipc: dropping malformed task file", "path", path, "error", err)
		return
	}
	req := &Request{RequestID: envelope.RequestID, Type: envelope.Type, Raw: data}

	if w.onTask == nil {
		return
	}
	result, err := w.onTask(ctx, req)
	if req.RequestID == "" {
		if err != nil {
			w.logger.Error("ipc: task handler failed", "type", req.Type, "error", err)
		}
		return
	}
	if err != nil {
		w.writeResponse(req.RequestID, map[string]string{"error": err.Error()})
		return
	}
	if result != nil {
		w.writeResponse(req.RequestID, result)
	}
}

func (w *Watcher) consumeMessage(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer os.Remove(path)
	if !json.Valid(data) {
		w.logger.Warn("ipc: dropping malformed message file", "path", path)
		return
	}
	if w.onMessage != nil {
		w.onMessage(ctx, json.RawMessage(data))
	}
}

// writeResponse writes responses/<requestId>.json atomically.
func (w *Watcher) writeResponse(requestID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("ipc: cannot marshal response", "request_id", requestID, "error", err)
		return
	}
	final := filepath.Join(w.root, responsesDir, requestID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.logger.Error("ipc: response write failed", "request_id", requestID, "error", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		w.logger.Error("ipc: response rename failed", "request_id", requestID, "error", err)
	}
}
