// Package config provides application configuration.
//
// Values come from built-in defaults, then an optional TOML file named by
// CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend kinds.
const (
	BackendEcho       = "echo"
	BackendDataStream = "datastream"
	BackendOpenAI     = "openai"
)

// Config holds all application configuration.
type Config struct {
	Port                string                `toml:"port"`
	GRPCHealthPort      string                `toml:"grpc_health_port"`
	FrontendURL         string                `toml:"frontend_url"`
	AllowedOrigins      []string              `toml:"allowed_origins"`
	DBPath              string                `toml:"db_path"`
	SessionTTL          time.Duration         `toml:"session_ttl"`
	SessionReapInterval time.Duration         `toml:"session_reap_interval"`
	ArchiveRetention    time.Duration         `toml:"archive_retention"`
	MaxRequestBodyBytes int64                 `toml:"max_request_body_bytes"`
	RateLimit           RateLimitConfig       `toml:"rate_limit"`
	SSE                 SSEConfig             `toml:"sse"`
	Chat                ChatConfig            `toml:"chat"`
	Backend             BackendConfig         `toml:"backend"`
	ConversationLog     ConversationLogConfig `toml:"conversation_log"`
}

// RateLimitConfig limits chat actions per user.
type RateLimitConfig struct {
	PerMinute int `toml:"per_minute"`
	Burst     int `toml:"burst"`
}

// SSEConfig controls the transcript event stream.
type SSEConfig struct {
	Keepalive time.Duration `toml:"keepalive"`
	Retry     time.Duration `toml:"retry"`
}

// ChatConfig controls chat sessions.
type ChatConfig struct {
	Title         string        `toml:"title"`
	Subtitle      string        `toml:"subtitle"`
	SystemPrompt  string        `toml:"system_prompt"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	MaxInputBytes int           `toml:"max_input_bytes"`
}

// BackendConfig selects and configures the language-model backend.
type BackendConfig struct {
	Kind          string        `toml:"kind"`
	URL           string        `toml:"url"`
	OpenAIAPIKey  string        `toml:"openai_api_key"`
	OpenAIBaseURL string        `toml:"openai_base_url"`
	OpenAIModel   string        `toml:"openai_model"`
	EchoDelay     time.Duration `toml:"echo_delay"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `toml:"enabled"`
	Dir           string `toml:"dir"`
	GlobalEnabled bool   `toml:"global_enabled"`
	GlobalPath    string `toml:"global_path"`
	QueueSize     int    `toml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                "8080",
		GRPCHealthPort:      "9090",
		AllowedOrigins:      []string{"*"},
		DBPath:              "./data/chat.db",
		SessionTTL:          60 * time.Minute,
		SessionReapInterval: 5 * time.Minute,
		ArchiveRetention:    7 * 24 * time.Hour,
		MaxRequestBodyBytes: 64 << 10,
		RateLimit: RateLimitConfig{
			PerMinute: 30,
			Burst:     5,
		},
		SSE: SSEConfig{
			Keepalive: 10 * time.Second,
			Retry:     3 * time.Second,
		},
		Chat: ChatConfig{
			Title:         "AI Chat Assistant",
			Subtitle:      "Streaming answers from your configured model backend",
			IdleTimeout:   60 * time.Second,
			MaxInputBytes: 16 << 10,
		},
		Backend: BackendConfig{
			Kind:        BackendEcho,
			OpenAIModel: "gpt-4o",
			EchoDelay:   40 * time.Millisecond,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       true,
			Dir:           "./data/logs/conversations",
			GlobalEnabled: false,
			GlobalPath:    "./data/logs/conversations/all.ndjson",
			QueueSize:     1000,
		},
	}
}

// Load reads configuration from the optional CONFIG_FILE and environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadTOML overlays the TOML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCHealthPort = getEnv("GRPC_HEALTH_PORT", c.GRPCHealthPort)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.SessionReapInterval = getEnvDuration("SESSION_REAP_INTERVAL", c.SessionReapInterval)
	c.ArchiveRetention = getEnvDuration("ARCHIVE_RETENTION", c.ArchiveRetention)
	c.MaxRequestBodyBytes = int64(getEnvInt("MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBodyBytes)))

	c.RateLimit.PerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimit.PerMinute)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.SSE.Keepalive = getEnvDuration("SSE_KEEPALIVE", c.SSE.Keepalive)
	c.SSE.Retry = getEnvDuration("SSE_RETRY", c.SSE.Retry)

	c.Chat.Title = getEnv("CHAT_TITLE", c.Chat.Title)
	c.Chat.Subtitle = getEnv("CHAT_SUBTITLE", c.Chat.Subtitle)
	c.Chat.SystemPrompt = getEnv("CHAT_SYSTEM_PROMPT", c.Chat.SystemPrompt)
	c.Chat.IdleTimeout = getEnvDuration("CHAT_IDLE_TIMEOUT", c.Chat.IdleTimeout)
	c.Chat.MaxInputBytes = getEnvInt("CHAT_MAX_INPUT_BYTES", c.Chat.MaxInputBytes)

	c.Backend.Kind = strings.ToLower(getEnv("BACKEND", c.Backend.Kind))
	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.Backend.OpenAIAPIKey)
	c.Backend.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.Backend.OpenAIBaseURL)
	c.Backend.OpenAIModel = getEnv("OPENAI_MODEL", c.Backend.OpenAIModel)
	c.Backend.EchoDelay = getEnvDuration("ECHO_DELAY", c.Backend.EchoDelay)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	if qs := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize); qs > 0 {
		c.ConversationLog.QueueSize = qs
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be > 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return errors.New("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Chat.MaxInputBytes <= 0 {
		return errors.New("CHAT_MAX_INPUT_BYTES must be > 0")
	}
	if int64(c.Chat.MaxInputBytes) > c.MaxRequestBodyBytes {
		return errors.New("CHAT_MAX_INPUT_BYTES cannot exceed MAX_REQUEST_BODY_BYTES")
	}
	if c.Chat.IdleTimeout < 0 {
		return errors.New("CHAT_IDLE_TIMEOUT cannot be negative")
	}

	switch c.Backend.Kind {
	case BackendEcho:
	case BackendDataStream:
		if c.Backend.URL == "" {
			return errors.New("BACKEND_URL is required for the datastream backend")
		}
	case BackendOpenAI:
		if c.Backend.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai backend")
		}
	default:
		return fmt.Errorf("BACKEND must be one of echo, datastream, openai (got %q)", c.Backend.Kind)
	}

	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
