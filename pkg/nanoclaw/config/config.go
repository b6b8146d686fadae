// Package config loads NanoClaw configuration from a YAML file layered
// with a .env file and the OS keyring for secrets.
//
// Priority for resolving secrets:
//  1. Environment variable
//  2. .env file (loaded by godotenv, never overrides real env)
//  3. config.yaml value
//  4. OS keyring (fills fields the layers above left empty)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/telegram"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/web"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/transcribe"
)

// Config is the top-level application configuration.
type Config struct {
	// AssistantName is the trigger word and outgoing message prefix.
	AssistantName string `yaml:"assistant_name"`

	// AssistantHasOwnNumber marks a dedicated WhatsApp number, which
	// changes how bot messages are told apart from user messages.
	AssistantHasOwnNumber bool `yaml:"assistant_has_own_number"`

	// DataDir holds databases, group folders, and media.
	DataDir string `yaml:"data_dir"`

	// IPCRoot is the directory tree shared with the sandboxed agent.
	IPCRoot string `yaml:"ipc_root"`

	WhatsApp   whatsapp.Config   `yaml:"whatsapp"`
	Telegram   telegram.Config   `yaml:"telegram"`
	Web        web.Config        `yaml:"web"`
	Transcribe transcribe.Config `yaml:"transcribe"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		AssistantName: "Andy",
		DataDir:       "data",
		IPCRoot:       "data/ipc",
		WhatsApp: whatsapp.Config{
			DatabasePath:        "data/whatsapp.db",
			ReconnectBackoff:    2 * time.Second,
			MaxReconnectBackoff: 2 * time.Minute,
		},
		Web: web.Config{
			Port:     3000,
			WebDir:   "web",
			MediaDir: "data/media",
		},
	}
}

// Load reads the config file, layered over defaults, after loading .env.
// A missing file yields the defaults; a malformed file is an error.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// .env is optional and never fatal.
	if err := godotenv.Load(); err == nil {
		logger.Debug("config: loaded .env file")
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("config: no config file, using defaults", "path", path)
			cfg.applyEnv()
			cfg.resolveSecrets(logger)
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.resolveSecrets(logger)
	return cfg, cfg.normalize()
}

// applyEnv lets environment variables override file values for the common
// deployment knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("NANOCLAW_ASSISTANT_NAME"); v != "" {
		c.AssistantName = v
	}
	if v := os.Getenv("NANOCLAW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NANOCLAW_IPC_ROOT"); v != "" {
		c.IPCRoot = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("NANOCLAW_WEB_TOKEN"); v != "" {
		c.Web.Token = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Transcribe.APIKey == "" {
		c.Transcribe.APIKey = v
	}
}

// resolveSecrets fills empty secrets from the OS keyring.
func (c *Config) resolveSecrets(logger *slog.Logger) {
	if c.Telegram.Token == "" {
		if v := GetKeyring(KeyTelegramToken); v != "" {
			c.Telegram.Token = v
			logger.Debug("config: telegram token loaded from OS keyring")
		}
	}
	if c.Web.Token == "" {
		if v := GetKeyring(KeyWebToken); v != "" {
			c.Web.Token = v
			logger.Debug("config: web token loaded from OS keyring")
		}
	}
	if c.Transcribe.APIKey == "" {
		if v := GetKeyring(KeyTranscribeAPIKey); v != "" {
			c.Transcribe.APIKey = v
			logger.Debug("config: transcription key loaded from OS keyring")
		}
	}
}

// normalize fills derived fields and validates the result.
func (c *Config) normalize() error {
	if c.AssistantName == "" {
		return fmt.Errorf("assistant_name must not be empty")
	}
	if c.WhatsApp.AssistantName == "" {
		c.WhatsApp.AssistantName = c.AssistantName
	}
	c.WhatsApp.AssistantHasOwnNumber = c.AssistantHasOwnNumber
	if c.Telegram.AssistantName == "" {
		c.Telegram.AssistantName = c.AssistantName
	}
	if c.Web.AssistantName == "" {
		c.Web.AssistantName = c.AssistantName
	}
	if c.WhatsApp.DatabasePath == "" {
		c.WhatsApp.DatabasePath = filepath.Join(c.DataDir, "whatsapp.db")
	}
	if c.Web.MediaDir == "" {
		c.Web.MediaDir = filepath.Join(c.DataDir, "media")
	}
	if c.WhatsApp.ReconnectBackoff <= 0 {
		c.WhatsApp.ReconnectBackoff = 2 * time.Second
	}
	if c.WhatsApp.MaxReconnectBackoff < c.WhatsApp.ReconnectBackoff {
		c.WhatsApp.MaxReconnectBackoff = 2 * time.Minute
	}
	return nil
}

// StorePath returns the path of the message database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "nanoclaw.db")
}

// Save writes the config back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
