// Package transcribe converts voice audio to text through a
// Whisper-compatible HTTP endpoint.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// Transcriber converts an audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Config configures the HTTP transcriber.
type Config struct {
	// BaseURL overrides the default endpoint host, e.g. a local Whisper
	// server. The /audio/transcriptions path is appended.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key"`

	// Model defaults to whisper-1.
	Model string `yaml:"model"`

	// Language is an optional hint, e.g. "en".
	Language string `yaml:"language"`
}

// Client is a Whisper-compatible HTTP transcriber.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a transcription client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "transcribe"),
	}
}

func (c *Client) endpoint() string {
	if c.cfg.BaseURL != "" {
		return strings.TrimRight(c.cfg.BaseURL, "/") + "/audio/transcriptions"
	}
	return defaultEndpoint
}

// Transcribe uploads the audio as multipart form data and returns the text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	if filename == "" {
		filename = "audio.webm"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.cfg.Model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if c.cfg.Language != "" {
		_ = w.WriteField("language", c.cfg.Language)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	c.logger.Debug("transcribe: sending request",
		"filename", filename, "mime", mimeType, "size_bytes", len(audio))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing transcription response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Noop is a transcriber that always reports transcription as unavailable.
type Noop struct{}

// Transcribe implements Transcriber.
func (Noop) Transcribe(context.Context, []byte, string, string) (string, error) {
	return "", fmt.Errorf("transcription not configured")
}
