package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/keydir"
	"github.com/eldtechnologies/qtunnel/internal/tunnel"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	Broker broker.Config
}

// Client holds the settings of a tunnel endpoint: the CLI and any process
// that calls or serves peers through a relay.
type Client struct {
	Tunnel tunnel.Config
	// KeyTTL is how long a resolved tunnel key stays cached.
	KeyTTL time.Duration
	// MaxConcurrent bounds the requests a responder handles at once.
	MaxConcurrent int
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	bd := broker.DefaultConfig()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisURL:         os.Getenv("REDIS_URL"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",

		Broker: broker.Config{
			MaxDepth:           getInt("QUEUE_MAX_DEPTH", bd.MaxDepth),
			MaxBatch:           getInt("QUEUE_MAX_BATCH", bd.MaxBatch),
			InboxTTL:           getDuration("INBOX_TTL", bd.InboxTTL),
			DefaultReservedTTL: getDuration("RESERVED_DEFAULT_TTL", bd.DefaultReservedTTL),
			MaxReservedTTL:     getDuration("RESERVED_MAX_TTL", bd.MaxReservedTTL),
		},
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// LoadClient reads tunnel endpoint settings from environment variables,
// loading .env when present. Malformed values fall back to defaults.
func LoadClient() *Client {
	_ = godotenv.Load()

	td := tunnel.DefaultConfig()
	return &Client{
		Tunnel: tunnel.Config{
			ReplyMode:         tunnel.ReplyMode(getEnv("TUNNEL_REPLY_MODE", string(td.ReplyMode))),
			Wait:              tunnel.WaitStrategy(getEnv("TUNNEL_WAIT", string(td.Wait))),
			PollInterval:      getDuration("TUNNEL_POLL_INTERVAL", td.PollInterval),
			NotifyFallback:    getDuration("TUNNEL_NOTIFY_FALLBACK", td.NotifyFallback),
			ConsumeBatch:      getInt("TUNNEL_CONSUME_BATCH", td.ConsumeBatch),
			ReservedTTL:       getDuration("TUNNEL_RESERVED_TTL", 0),
			RetrievalTimeout:  getDuration("TUNNEL_RETRIEVAL_TIMEOUT", td.RetrievalTimeout),
			GenerationTimeout: getDuration("TUNNEL_GENERATION_TIMEOUT", td.GenerationTimeout),
			MaxRetries:        getInt("TUNNEL_MAX_RETRIES", td.MaxRetries),
			RetryMin:          td.RetryMin,
			RetryMax:          td.RetryMax,
		},
		KeyTTL:        getDuration("TUNNEL_KEY_TTL", keydir.DefaultTTL),
		MaxConcurrent: getInt("TUNNEL_MAX_CONCURRENT", 8),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt falls back to defaultValue when the variable is unset or malformed.
func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

// getDuration accepts Go durations ("30s") or plain seconds ("30").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
