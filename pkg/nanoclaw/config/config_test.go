package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AssistantName == "" {
		t.Error("expected a default assistant name")
	}
	if cfg.Web.Port == 0 {
		t.Error("expected a default web port")
	}
	if cfg.WhatsApp.ReconnectBackoff <= 0 {
		t.Error("expected a positive reconnect backoff")
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AssistantName != DefaultConfig().AssistantName {
			t.Errorf("expected default assistant name, got %q", cfg.AssistantName)
		}
	})

	t.Run("yaml values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
assistant_name: Robo
assistant_has_own_number: true
data_dir: /tmp/nanoclaw-test
web:
  port: 8080
whatsapp:
  reconnect_backoff: 1s
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("writing config: %v", err)
		}
		cfg, err := Load(path, nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AssistantName != "Robo" {
			t.Errorf("expected Robo, got %q", cfg.AssistantName)
		}
		if cfg.Web.Port != 8080 {
			t.Errorf("expected port 8080, got %d", cfg.Web.Port)
		}
		if cfg.WhatsApp.ReconnectBackoff != time.Second {
			t.Errorf("expected 1s backoff, got %v", cfg.WhatsApp.ReconnectBackoff)
		}
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(path, []byte("assistant_name: [unclosed"), 0o600)
		if _, err := Load(path, nil); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("NANOCLAW_ASSISTANT_NAME", "EnvBot")
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AssistantName != "EnvBot" {
			t.Errorf("expected EnvBot from env, got %q", cfg.AssistantName)
		}
	})
}

func TestNormalize(t *testing.T) {
	t.Run("assistant name propagates to channels", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AssistantName = "Robo"
		cfg.AssistantHasOwnNumber = true
		if err := cfg.normalize(); err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if cfg.WhatsApp.AssistantName != "Robo" || cfg.Telegram.AssistantName != "Robo" || cfg.Web.AssistantName != "Robo" {
			t.Error("expected assistant name propagated to all channels")
		}
		if !cfg.WhatsApp.AssistantHasOwnNumber {
			t.Error("expected own-number flag propagated")
		}
	})

	t.Run("empty assistant name is rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AssistantName = ""
		if err := cfg.normalize(); err == nil {
			t.Error("expected error for empty assistant name")
		}
	})

	t.Run("derived paths fall back to the data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = "/srv/nc"
		cfg.WhatsApp.DatabasePath = ""
		cfg.Web.MediaDir = ""
		if err := cfg.normalize(); err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if cfg.WhatsApp.DatabasePath != filepath.Join("/srv/nc", "whatsapp.db") {
			t.Errorf("unexpected db path %q", cfg.WhatsApp.DatabasePath)
		}
		if cfg.Web.MediaDir != filepath.Join("/srv/nc", "media") {
			t.Errorf("unexpected media dir %q", cfg.Web.MediaDir)
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.AssistantName = "Robo"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.AssistantName != "Robo" {
		t.Errorf("expected Robo after round trip, got %q", loaded.AssistantName)
	}
}
