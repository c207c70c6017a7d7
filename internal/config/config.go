// Package config loads the client configuration: a JSON file in the
// client directory, with environment variables taking precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/watchwire/watchwire/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Server   Server   `json:"server"`
	Chat     Chat     `json:"chat"`
	Presence Presence `json:"presence"`
	Media    Media    `json:"media"`
	ICE      ICE      `json:"ice"`
	Log      Log      `json:"log"`
	Paths    Paths    `json:"paths"`
}

type Identity struct {
	UserID      string `json:"user_id" env:"WATCHWIRE_USER_ID"`
	DisplayName string `json:"display_name" env:"WATCHWIRE_DISPLAY_NAME"`
}

type Server struct {
	// Websocket URL of the coordinating server.
	URL string `json:"url" env:"WATCHWIRE_SERVER_URL"`
}

type Chat struct {
	AckTimeoutMs    int `json:"ack_timeout_ms" env:"WATCHWIRE_CHAT_ACK_TIMEOUT_MS"`
	RetryIntervalMs int `json:"retry_interval_ms" env:"WATCHWIRE_CHAT_RETRY_INTERVAL_MS"`
	MaxRetries      int `json:"max_retries" env:"WATCHWIRE_CHAT_MAX_RETRIES"`
	HistorySize     int `json:"history_size"`
}

type Presence struct {
	IdleTimeoutSec int `json:"idle_timeout_seconds" env:"WATCHWIRE_IDLE_TIMEOUT_SEC"`
}

type Media struct {
	StalenessMs  int     `json:"staleness_ms"`
	SyncLockMs   int     `json:"sync_lock_ms"`
	DriftSeconds float64 `json:"drift_seconds"`
	ThrottleMs   int     `json:"throttle_ms"`
}

type ICE struct {
	// STUN/TURN server URLs for peer link negotiation.
	Servers []string `json:"servers" env:"WATCHWIRE_ICE_SERVERS" envSeparator:","`
}

type Log struct {
	Level string `json:"level" env:"WATCHWIRE_LOG_LEVEL"`
}

type Paths struct {
	// DataDir holds the local database. Relative to the client dir.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			URL: "ws://127.0.0.1:8790/ws",
		},
		Chat: Chat{
			AckTimeoutMs:    5000,
			RetryIntervalMs: 3000,
			MaxRetries:      3,
			HistorySize:     200,
		},
		Presence: Presence{
			IdleTimeoutSec: 300,
		},
		Media: Media{
			StalenessMs:  2000,
			SyncLockMs:   500,
			DriftSeconds: 3,
			ThrottleMs:   2000,
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Log: Log{
			Level: "info",
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.New("server.url must be a ws:// or wss:// URL")
	}

	if c.Chat.AckTimeoutMs <= 0 {
		return errors.New("chat.ack_timeout_ms must be > 0")
	}
	if c.Chat.RetryIntervalMs <= 0 {
		return errors.New("chat.retry_interval_ms must be > 0")
	}
	if c.Chat.MaxRetries <= 0 {
		return errors.New("chat.max_retries must be > 0")
	}

	if c.Presence.IdleTimeoutSec <= 0 {
		return errors.New("presence.idle_timeout_seconds must be > 0")
	}

	if c.Media.StalenessMs <= 0 {
		return errors.New("media.staleness_ms must be > 0")
	}
	if c.Media.SyncLockMs <= 0 {
		return errors.New("media.sync_lock_ms must be > 0")
	}
	if c.Media.DriftSeconds <= 0 {
		return errors.New("media.drift_seconds must be > 0")
	}
	if c.Media.ThrottleMs <= 0 {
		return errors.New("media.throttle_ms must be > 0")
	}

	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must name at least one STUN/TURN server")
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

// Load reads a config file, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// Save writes the config back to disk after validating it.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path, creating a default file first when
// none exists. The second return reports whether it was created.
// A freshly created default has no user id yet, so validation is
// deferred to the caller in that case.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
