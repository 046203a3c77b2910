package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/igoryan-dao/pitstop/internal/paths"
)

// EnvPrefix prefixes every environment override. A double underscore nests:
// PITSTOP_TIMEOUTS__INPUT=2m sets timeouts.input.
const EnvPrefix = "PITSTOP_"

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "pitstop.yaml"

// Config holds application configuration
type Config struct {
	DataDir    string           `koanf:"data_dir"`
	Workers    int              `koanf:"workers"`
	Storage    StorageConfig    `koanf:"storage"`
	Queue      QueueConfig      `koanf:"queue"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Timeouts   TimeoutsConfig   `koanf:"timeouts"`
	Retries    RetriesConfig    `koanf:"retries"`
	Rendezvous RendezvousConfig `koanf:"rendezvous"`
	HTTP       HTTPConfig       `koanf:"http"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Voice      VoiceConfig      `koanf:"voice"`
	Discord    DiscordConfig    `koanf:"discord"`
	Bridge     BridgeConfig     `koanf:"bridge"`
	Browser    BrowserConfig    `koanf:"browser"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Notify     NotifyConfig     `koanf:"notify"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Log        LogConfig        `koanf:"log"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, bolt
	Path string `koanf:"path"` // defaults to a file under data_dir
}

type QueueConfig struct {
	Capacity       int  `koanf:"capacity"`
	RejectWhenFull bool `koanf:"reject_when_full"`
}

type SessionsConfig struct {
	SingleActive bool `koanf:"single_active"`
}

type TimeoutsConfig struct {
	Input  time.Duration `koanf:"input"`
	Driver time.Duration `koanf:"driver"`
	Notify time.Duration `koanf:"notify"`
}

type RetriesConfig struct {
	Driver     int           `koanf:"driver"`
	Step       int           `koanf:"step"`
	Backoff    time.Duration `koanf:"backoff"`
	MaxBackoff time.Duration `koanf:"max_backoff"`
}

type RendezvousConfig struct {
	// Grace keeps a reply that arrives just before its prompt; 0 disables it.
	Grace time.Duration `koanf:"grace"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type TelegramConfig struct {
	Token          string  `koanf:"token"`
	AllowedUserIDs []int64 `koanf:"allowed_user_ids"`
}

// VoiceConfig enables spoken Telegram replies through whisper.cpp. An empty
// model disables them.
type VoiceConfig struct {
	WhisperPath string `koanf:"whisper_path"`
	Model       string `koanf:"model"`
}

type DiscordConfig struct {
	Token   string `koanf:"token"`
	GuildID string `koanf:"guild_id"`
}

type BridgeConfig struct {
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
	// Listen is used by pitstop-bridge.
	Listen string `koanf:"listen"`
}

type BrowserConfig struct {
	RemoteURL string `koanf:"remote_url"`
	FlowsDir  string `koanf:"flows_dir"`
	Headless  bool   `koanf:"headless"`
}

type SecretsConfig struct {
	Path string `koanf:"path"`
}

type NotifyConfig struct {
	RatePerMinute int `koanf:"rate_per_minute"`
}

type TelemetryConfig struct {
	Traces bool `koanf:"traces"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console, json, auto
}

var defaults = map[string]any{
	"workers":                4,
	"storage.type":           "sqlite",
	"queue.capacity":         64,
	"sessions.single_active": true,
	"timeouts.input":         "5m",
	"timeouts.driver":        "2m",
	"timeouts.notify":        "30s",
	"retries.driver":         5,
	"retries.step":           5,
	"retries.backoff":        "500ms",
	"retries.max_backoff":    "30s",
	"rendezvous.grace":       "30s",
	"http.addr":              "127.0.0.1:8642",
	"bridge.listen":          ":8643",
	"browser.headless":       true,
	"notify.rate_per_minute": 20,
	"log.level":              "info",
	"log.format":             "auto",
}

// Load reads configuration from a .env file, the YAML file at path (or
// pitstop.yaml in the working directory), and PITSTOP_ environment variables,
// in that order of increasing precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing default file is fine; a missing explicit one is not.
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.DataDir == "" {
		c.DataDir = paths.DefaultDataDir()
	}
	c.DataDir = expandHome(c.DataDir)

	switch c.Storage.Type {
	case "memory", "sqlite", "bolt":
	default:
		return fmt.Errorf("storage.type %q: want memory, sqlite or bolt", c.Storage.Type)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity)
	}
	if c.Timeouts.Input <= 0 || c.Timeouts.Driver <= 0 {
		return fmt.Errorf("timeouts.input and timeouts.driver must be positive")
	}

	if c.Secrets.Path == "" {
		c.Secrets.Path = filepath.Join(c.DataDir, "secrets.yaml")
	}
	if c.Browser.FlowsDir == "" {
		c.Browser.FlowsDir = filepath.Join(c.DataDir, "flows")
	}
	c.Secrets.Path = expandHome(c.Secrets.Path)
	c.Browser.FlowsDir = expandHome(c.Browser.FlowsDir)
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Voice.Model = expandHome(c.Voice.Model)
	return nil
}

// IsAllowed reports whether a Telegram user may talk to the bot. An empty
// allow list admits everyone.
func (c *Config) IsAllowed(userID int64) bool {
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range c.Telegram.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
