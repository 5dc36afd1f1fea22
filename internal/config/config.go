package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP surfaces: the public server carries the webhook endpoint and the
	// realtime websocket channel; the API server carries the management API.
	HTTPPort      int    `envconfig:"HTTP_PORT" default:"8080"`
	APIListenAddr string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIKey        string `envconfig:"API_KEY"`
	APIAuthMode   string `envconfig:"API_AUTH_MODE" default:"api-key"`
	CORSOrigins   string `envconfig:"API_CORS_ORIGINS"`

	APIRateLimitRPS   int `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int `envconfig:"API_RATE_LIMIT_BURST" default:"200"`

	// Remote file API
	DriveBaseURL       string        `envconfig:"DRIVE_BASE_URL" default:"https://www.googleapis.com/drive/v3"`
	DriveTimeout       time.Duration `envconfig:"DRIVE_TIMEOUT" default:"30s"`
	DrivePageSize      int           `envconfig:"DRIVE_PAGE_SIZE" default:"100"`
	WebhookCallbackURL string        `envconfig:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string        `envconfig:"WEBHOOK_SECRET"`

	// Drive credentials. A refresh token (plus client id/secret) gets a
	// self-renewing token source; a bare access token is for development.
	DriveClientID     string `envconfig:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `envconfig:"DRIVE_CLIENT_SECRET"`
	DriveRefreshToken string `envconfig:"DRIVE_REFRESH_TOKEN"`
	DriveTokenURL     string `envconfig:"DRIVE_TOKEN_URL" default:"https://oauth2.googleapis.com/token"`
	DriveAccessToken  string `envconfig:"DRIVE_ACCESS_TOKEN"`

	// Outbound rate limiter. Defaults sit well under Drive's published
	// per-user per-100-seconds quota.
	RateCapacity   float64 `envconfig:"RATE_CAPACITY" default:"10"`
	RateRefillRate float64 `envconfig:"RATE_REFILL_RATE" default:"5"`
	RateFloor      float64 `envconfig:"RATE_FLOOR" default:"1"`

	// Cache
	CacheCapacity int           `envconfig:"CACHE_CAPACITY" default:"2048"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" default:"60s"`

	// Sync engine
	SyncMaxConcurrent  int           `envconfig:"SYNC_MAX_CONCURRENT" default:"4"`
	SyncOpTimeout      time.Duration `envconfig:"SYNC_OP_TIMEOUT" default:"10m"`
	SyncItemRetries    int           `envconfig:"SYNC_ITEM_RETRIES" default:"3"`
	SyncHistoryWindow  time.Duration `envconfig:"SYNC_HISTORY_WINDOW" default:"168h"`
	WatchRenewalLead   time.Duration `envconfig:"WATCH_RENEWAL_LEAD" default:"1h"`
	WatchRenewalPeriod time.Duration `envconfig:"WATCH_RENEWAL_PERIOD" default:"15m"`

	// Realtime channel
	WSHeartbeatInterval time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"30s"`
	WSMissedHeartbeats  int           `envconfig:"WS_MISSED_HEARTBEATS" default:"3"`
	WSSendBuffer        int           `envconfig:"WS_SEND_BUFFER" default:"64"`
	WSJWTSecret         string        `envconfig:"WS_JWT_SECRET"`

	// Persistence
	DBPath string `envconfig:"DB_PATH" default:"syncd.db"`
}

// WebhookEnabled returns true if push notifications can be registered.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookCallbackURL != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
