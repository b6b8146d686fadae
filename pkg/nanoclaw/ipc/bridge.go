// Package ipc implements the file-directory request/response substrate
// between the sandboxed agent process and the host. The only shared medium
// is a directory tree; writes are made atomic with a temp-then-rename
// protocol so a reader observes either nothing or a complete file.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

const (
	// pollInterval is how often SubmitAndAwait rechecks the response dir.
	pollInterval = 200 * time.Millisecond

	// lateCleanupDelay is how long after a timeout the bridge keeps watching
	// for a late response file so slow host answers don't accumulate.
	lateCleanupDelay = 5 * time.Second

	messagesDir  = "messages"
	tasksDir     = "tasks"
	responsesDir = "responses"
)

// ErrNoAnswer is returned by SubmitAndAwait when no response file appears
// within the timeout. It means "unknown outcome", not failure: the host may
// still process the request.
var ErrNoAnswer = errors.New("ipc: no answer before timeout")

// Bridge is the agent-side endpoint of the IPC protocol.
type Bridge struct {
	root   string
	logger *slog.Logger
}

// NewBridge creates a bridge rooted at dir, creating the directory layout
// if needed.
func NewBridge(root string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{messagesDir, tasksDir, responsesDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating ipc dir %s: %w", sub, err)
		}
	}
	return &Bridge{root: root, logger: logger.With("component", "ipc")}, nil
}

// Root returns the IPC root directory.
func (b *Bridge) Root() string { return b.root }

// newRequestID builds a unique id from a millisecond timestamp and a random
// suffix. Collisions are negligible for the directory's lifetime.
func newRequestID() string {
	return fmt.Sprintf("req-%d-%06d", time.Now().UnixMilli(), rand.Intn(1_000_000))
}

// writeAtomic serializes v and writes it under dir via temp-then-rename.
func (b *Bridge) writeAtomic(dir, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling ipc payload: %w", err)
	}
	final := filepath.Join(b.root, dir, name+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Submit writes a fire-and-forget request into the tasks directory and
// returns the generated request id.
func (b *Bridge) Submit(payload map[string]any) (string, error) {
	id := newRequestID()
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged["requestId"] = id
	if err := b.writeAtomic(tasksDir, id, merged); err != nil {
		return "", err
	}
	return id, nil
}

// WriteMessage drops a host-bound chat event into the messages mailbox.
// No response is ever expected.
func (b *Bridge) WriteMessage(payload map[string]any) error {
	return b.writeAtomic(messagesDir, newRequestID(), payload)
}

// SubmitAndAwait submits a request and polls for its response file. The
// response is deleted once read. A parse failure is treated as an in-flight
// rename and retried on the next tick. Timeout returns ErrNoAnswer and arms
// a deferred sweep for a late response.
func (b *Bridge) SubmitAndAwait(ctx context.Context, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id, err := b.Submit(payload)
	if err != nil {
		return nil, err
	}

	respPath := filepath.Join(b.root, responsesDir, id+".json")
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			go b.sweepLateResponse(respPath)
			return nil, ctx.Err()
		case <-deadline.C:
			b.logger.Warn("ipc: request timed out", "request_id", id)
			go b.sweepLateResponse(respPath)
			return nil, ErrNoAnswer
		case <-ticker.C:
			data, err := os.ReadFile(respPath)
			if err != nil {
				continue
			}
			if !json.Valid(data) {
				// Rename likely still in flight, retry next tick.
				continue
			}
			os.Remove(respPath)
			return json.RawMessage(data), nil
		}
	}
}

// sweepLateResponse deletes a response file that arrives after its caller
// gave up, so orphans don't accumulate.
func (b *Bridge) sweepLateResponse(path string) {
	time.Sleep(lateCleanupDelay)
	if err := os.Remove(path); err == nil {
		b.logger.Debug("ipc: removed late response", "path", path)
	}
}
