package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

type memStore struct {
	msgs []*channels.InboundMessage
}

func (m *memStore) StoreMessage(msg *channels.InboundMessage) error {
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memStore) RecentMessages(jid string, limit int) ([]*channels.InboundMessage, error) {
	// Newest first, like the real store.
	var out []*channels.InboundMessage
	for i := len(m.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.msgs[i].ChatJID == jid {
			out = append(out, m.msgs[i])
		}
	}
	return out, nil
}

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) Transcribe(ctx context.Context, audio []byte, filename, mime string) (string, error) {
	return s.text, s.err
}

func newTestConn(t *testing.T, store MessageStore, tr Transcriber) *Connection {
	t.Helper()
	cfg := Config{
		Token:         "secret",
		AssistantName: "Andy",
		MediaDir:      t.TempDir(),
	}
	return New(cfg, channels.Callbacks{}, store, tr, nil, nil)
}

func TestCheckAuth(t *testing.T) {
	c := newTestConn(t, nil, nil)

	t.Run("accepts bearer token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/media/x.png", nil)
		r.Header.Set("Authorization", "Bearer secret")
		if !c.checkAuth(r) {
			t.Error("expected bearer auth to pass")
		}
	})

	t.Run("accepts query token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=secret", nil)
		if !c.checkAuth(r) {
			t.Error("expected query auth to pass")
		}
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=wrong", nil)
		if c.checkAuth(r) {
			t.Error("expected wrong token to fail")
		}
		r2 := httptest.NewRequest("GET", "/ws", nil)
		r2.Header.Set("Authorization", "Bearer nope")
		if c.checkAuth(r2) {
			t.Error("expected wrong bearer to fail")
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		if c.checkAuth(r) {
			t.Error("expected missing token to fail")
		}
	})
}

func TestMediaPath(t *testing.T) {
	c := newTestConn(t, nil, nil)

	t.Run("plain names resolve under the media dir", func(t *testing.T) {
		path, err := c.mediaPath("upload-1.png")
		if err != nil {
			t.Fatalf("mediaPath: %v", err)
		}
		if filepath.Dir(path) != c.cfg.MediaDir {
			t.Errorf("expected path under media dir, got %q", path)
		}
	})

	t.Run("traversal names are rejected", func(t *testing.T) {
		for _, name := range []string{"../secret", "..%2Fsecret", "a/../../etc/passwd", ".."} {
			if _, err := c.mediaPath(name); err == nil && strings.Contains(name, "..") {
				t.Errorf("expected rejection for %q", name)
			}
		}
	})
}

func TestHandleVoice(t *testing.T) {
	t.Run("transcribes and surfaces the text", func(t *testing.T) {
		store := &memStore{}
		c := newTestConn(t, store, stubTranscriber{text: "hello world"})

		var delivered *channels.InboundMessage
		c.callbacks.OnMessage = func(jid string, msg *channels.InboundMessage) {
			delivered = msg
		}

		r := httptest.NewRequest("POST", "/api/voice?token=secret", bytes.NewReader([]byte("audio-bytes")))
		r.Header.Set("Content-Type", "audio/webm")
		w := httptest.NewRecorder()
		c.handleVoice(w, r)

		if w.Code != 200 {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["text"] != "hello world" {
			t.Errorf("expected transcript in response, got %q", resp["text"])
		}
		if delivered == nil || delivered.Content != "hello world" {
			t.Errorf("expected inbound message with transcript, got %+v", delivered)
		}
		if delivered.ChatJID != JID {
			t.Errorf("expected web JID, got %q", delivered.ChatJID)
		}
	})

	t.Run("rejects unauthenticated requests", func(t *testing.T) {
		c := newTestConn(t, nil, stubTranscriber{})
		r := httptest.NewRequest("POST", "/api/voice", bytes.NewReader([]byte("x")))
		w := httptest.NewRecorder()
		c.handleVoice(w, r)
		if w.Code != 401 {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("rejects oversized recordings", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, stubTranscriber{text: "x"})
		big := bytes.Repeat([]byte("a"), maxVoiceBytes+1)
		r := httptest.NewRequest("POST", "/api/voice?token=secret", bytes.NewReader(big))
		w := httptest.NewRecorder()
		c.handleVoice(w, r)
		if w.Code != 413 {
			t.Errorf("expected 413, got %d", w.Code)
		}
	})

	t.Run("empty recording is a bad request", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, stubTranscriber{text: "x"})
		r := httptest.NewRequest("POST", "/api/voice?token=secret", bytes.NewReader(nil))
		w := httptest.NewRecorder()
		c.handleVoice(w, r)
		if w.Code != 400 {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandleUpload(t *testing.T) {
	t.Run("stores the image and surfaces a reference", func(t *testing.T) {
		store := &memStore{}
		c := newTestConn(t, store, nil)

		var delivered *channels.InboundMessage
		c.callbacks.OnMessage = func(jid string, msg *channels.InboundMessage) {
			delivered = msg
		}

		r := httptest.NewRequest("POST", "/api/upload?token=secret&caption=sunset", bytes.NewReader([]byte("png-bytes")))
		r.Header.Set("Content-Type", "image/png")
		w := httptest.NewRecorder()
		c.handleUpload(w, r)

		if w.Code != 200 {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		if !strings.HasSuffix(resp["file"], ".png") {
			t.Errorf("expected .png filename, got %q", resp["file"])
		}
		if _, err := os.Stat(filepath.Join(c.cfg.MediaDir, resp["file"])); err != nil {
			t.Errorf("expected stored file: %v", err)
		}
		if delivered == nil || !strings.Contains(delivered.Content, "sunset") {
			t.Errorf("expected caption in inbound message, got %+v", delivered)
		}
	})

	t.Run("rejects unsupported content types", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, nil)
		r := httptest.NewRequest("POST", "/api/upload?token=secret", bytes.NewReader([]byte("exe")))
		r.Header.Set("Content-Type", "application/octet-stream")
		w := httptest.NewRecorder()
		c.handleUpload(w, r)
		if w.Code != 415 {
			t.Errorf("expected 415, got %d", w.Code)
		}
	})

	t.Run("rejects oversized uploads", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, nil)
		big := bytes.Repeat([]byte("a"), maxUploadBytes+1)
		r := httptest.NewRequest("POST", "/api/upload?token=secret", bytes.NewReader(big))
		r.Header.Set("Content-Type", "image/jpeg")
		w := httptest.NewRecorder()
		c.handleUpload(w, r)
		if w.Code != 413 {
			t.Errorf("expected 413, got %d", w.Code)
		}
	})
}

func TestHandleInbound(t *testing.T) {
	t.Run("empty text is dropped", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, nil)
		called := false
		c.callbacks.OnMessage = func(string, *channels.InboundMessage) { called = true }
		c.handleInbound("")
		if called {
			t.Error("empty message should not be surfaced")
		}
	})

	t.Run("message gets metadata and delivery callbacks", func(t *testing.T) {
		c := newTestConn(t, &memStore{}, nil)
		var metaJID string
		var msg *channels.InboundMessage
		c.callbacks.OnChatMetadata = func(jid string, ts time.Time, name, channel string, isGroup bool) {
			metaJID = jid
			if channel != "web" {
				t.Errorf("expected channel web, got %q", channel)
			}
		}
		c.callbacks.OnMessage = func(jid string, m *channels.InboundMessage) { msg = m }

		c.handleInbound("hi there")

		if metaJID != JID {
			t.Errorf("expected metadata for %q, got %q", JID, metaJID)
		}
		if msg == nil || msg.Content != "hi there" {
			t.Fatalf("expected delivered message, got %+v", msg)
		}
		if !strings.HasPrefix(msg.ID, "web-") {
			t.Errorf("expected web- id prefix, got %q", msg.ID)
		}
	})
}

func TestSendMessageStoresBotMessage(t *testing.T) {
	store := &memStore{}
	c := newTestConn(t, store, nil)

	if err := c.SendMessage(context.Background(), JID, "done!"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(store.msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(store.msgs))
	}
	m := store.msgs[0]
	if !m.IsBotMessage || m.SenderName != "Andy" || m.Content != "done!" {
		t.Errorf("unexpected stored bot message: %+v", m)
	}
}

func TestOwnsJIDWeb(t *testing.T) {
	c := newTestConn(t, nil, nil)
	if !c.OwnsJID("web:web") {
		t.Error("expected web namespace claim")
	}
	if c.OwnsJID("tg:1") || c.OwnsJID(fmt.Sprintf("%d@s.whatsapp.net", 5511)) {
		t.Error("claimed a foreign namespace")
	}
}
