package telegram

import (
	"strings"
	"testing"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels"
)

func TestChunkText(t *testing.T) {
	t.Run("short text stays whole", func(t *testing.T) {
		chunks := chunkText("hello", maxMessageLen)
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("expected single chunk, got %v", chunks)
		}
	})

	t.Run("long text splits into ceil(len/max) chunks", func(t *testing.T) {
		text := strings.Repeat("a", maxMessageLen*2+100)
		chunks := chunkText(text, maxMessageLen)

		want := (len(text) + maxMessageLen - 1) / maxMessageLen
		if len(chunks) != want {
			t.Fatalf("expected %d chunks, got %d", want, len(chunks))
		}
		for i, chunk := range chunks {
			if len(chunk) > maxMessageLen {
				t.Errorf("chunk %d exceeds limit: %d chars", i, len(chunk))
			}
		}
	})

	t.Run("chunks concatenate back to the original", func(t *testing.T) {
		text := strings.Repeat("0123456789", 1500)
		chunks := chunkText(text, maxMessageLen)
		if strings.Join(chunks, "") != text {
			t.Error("chunks do not reassemble into the original text")
		}
	})

	t.Run("exact multiple has no empty trailing chunk", func(t *testing.T) {
		text := strings.Repeat("a", maxMessageLen*2)
		chunks := chunkText(text, maxMessageLen)
		if len(chunks) != 2 {
			t.Errorf("expected 2 chunks, got %d", len(chunks))
		}
	})

	t.Run("multi-byte text never splits mid-rune", func(t *testing.T) {
		text := strings.Repeat("é中", maxMessageLen)
		chunks := chunkText(text, maxMessageLen)
		for i, chunk := range chunks {
			if !utf8.ValidString(chunk) {
				t.Errorf("chunk %d is invalid UTF-8", i)
			}
			if n := utf8.RuneCountInString(chunk); n > maxMessageLen {
				t.Errorf("chunk %d has %d runes, limit is %d", i, n, maxMessageLen)
			}
		}
		if strings.Join(chunks, "") != text {
			t.Error("chunks do not reassemble into the original text")
		}
	})

	t.Run("rune count below max stays whole despite byte length", func(t *testing.T) {
		text := strings.Repeat("中", maxMessageLen)
		chunks := chunkText(text, maxMessageLen)
		if len(chunks) != 1 {
			t.Errorf("expected single chunk for %d runes, got %d chunks", maxMessageLen, len(chunks))
		}
	})
}

func TestEntityText(t *testing.T) {
	// Offsets and lengths count UTF-16 code units, like the Bot API sends.
	t.Run("mention after non-ascii text", func(t *testing.T) {
		content := "héllo 中文 @andybot ok"
		offset := len(utf16.Encode([]rune("héllo 中文 ")))
		if got := entityText(content, offset, len("@andybot")); got != "@andybot" {
			t.Errorf("expected @andybot, got %q", got)
		}
	})

	t.Run("emoji before the mention shifts byte offsets but not units", func(t *testing.T) {
		content := "🎉 @andybot"
		// The emoji is one rune but two UTF-16 units.
		if got := entityText(content, 3, 8); got != "@andybot" {
			t.Errorf("expected @andybot, got %q", got)
		}
	})

	t.Run("out-of-range slices yield empty", func(t *testing.T) {
		if got := entityText("short", 2, 99); got != "" {
			t.Errorf("expected empty for out-of-range, got %q", got)
		}
		if got := entityText("short", -1, 2); got != "" {
			t.Errorf("expected empty for negative offset, got %q", got)
		}
	})
}

func TestDownloadBackoff(t *testing.T) {
	t.Run("grows with attempts and respects the cap", func(t *testing.T) {
		jitter := 500 * time.Millisecond
		for attempt := 1; attempt <= 6; attempt++ {
			got := downloadBackoff(attempt)
			if got > downloadBackoffCap+jitter {
				t.Errorf("attempt %d: backoff %v exceeds cap+jitter", attempt, got)
			}
			if got < 500*time.Millisecond {
				t.Errorf("attempt %d: backoff %v below minimum", attempt, got)
			}
		}
	})

	t.Run("first attempt starts near one second", func(t *testing.T) {
		got := downloadBackoff(1)
		if got < time.Second || got > time.Second+500*time.Millisecond {
			t.Errorf("expected 1s..1.5s, got %v", got)
		}
	})
}

func TestOwnsJID(t *testing.T) {
	c := New(Config{}, channels.Callbacks{}, nil, nil)
	cases := []struct {
		jid  string
		want bool
	}{
		{"tg:12345", true},
		{"tg:-100987654", true},
		{"5511999999999@s.whatsapp.net", false},
		{"web:web", false},
	}
	for _, tc := range cases {
		if got := c.OwnsJID(tc.jid); got != tc.want {
			t.Errorf("OwnsJID(%q) = %v, want %v", tc.jid, got, tc.want)
		}
	}
}

func TestParseChatID(t *testing.T) {
	t.Run("positive id", func(t *testing.T) {
		id, err := parseChatID("tg:12345")
		if err != nil || id != 12345 {
			t.Errorf("got %d, %v", id, err)
		}
	})

	t.Run("negative group id", func(t *testing.T) {
		id, err := parseChatID("tg:-1009876543")
		if err != nil || id != -1009876543 {
			t.Errorf("got %d, %v", id, err)
		}
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		if _, err := parseChatID("tg:abc"); err == nil {
			t.Error("expected error for non-numeric id")
		}
	})
}

func TestSenderAllowed(t *testing.T) {
	t.Run("empty allowlist allows everyone", func(t *testing.T) {
		c := New(Config{}, channels.Callbacks{}, nil, nil)
		if !c.senderAllowed(42) {
			t.Error("expected allowed with empty allowlist")
		}
	})

	t.Run("allowlist is enforced", func(t *testing.T) {
		c := New(Config{AllowedUsers: []int64{1, 2}}, channels.Callbacks{}, nil, nil)
		if !c.senderAllowed(1) {
			t.Error("listed user should be allowed")
		}
		if c.senderAllowed(3) {
			t.Error("unlisted user should be blocked")
		}
	})
}
