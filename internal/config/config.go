package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment          string
	StoreURL             string
	SessionTTL           time.Duration
	KeepaliveInterval    time.Duration
	MaxLiveHandles       int
	IdleProbeThreshold   time.Duration
	BodyCharLimit        int
	AttachmentCharLimit  int
	TrackingHostPatterns []string
	InboxesJSON          string
	APIToken             string
	Port                 string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILPROXY_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	sessionTTL, err := getEnvIntOrDefault("MAILPROXY_SESSION_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	keepaliveInterval, err := getEnvIntOrDefault("MAILPROXY_KEEPALIVE_INTERVAL_SECONDS", 25)
	if err != nil {
		return nil, err
	}
	maxLiveHandles, err := getEnvIntOrDefault("MAILPROXY_MAX_LIVE_HANDLES", 512)
	if err != nil {
		return nil, err
	}
	idleProbeThreshold, err := getEnvIntOrDefault("MAILPROXY_IDLE_PROBE_THRESHOLD_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	bodyCharLimit, err := getEnvIntOrDefault("MAILPROXY_BODY_CHAR_LIMIT", 5000)
	if err != nil {
		return nil, err
	}
	attachmentCharLimit, err := getEnvIntOrDefault("MAILPROXY_ATTACHMENT_CHAR_LIMIT", 2000)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:          env,
		StoreURL:             getEnvOrDefault("MAILPROXY_STORE_URL", "redis://localhost:6379/0"),
		SessionTTL:           time.Duration(sessionTTL) * time.Second,
		KeepaliveInterval:    time.Duration(keepaliveInterval) * time.Second,
		MaxLiveHandles:       maxLiveHandles,
		IdleProbeThreshold:   time.Duration(idleProbeThreshold) * time.Second,
		BodyCharLimit:        bodyCharLimit,
		AttachmentCharLimit:  attachmentCharLimit,
		TrackingHostPatterns: splitCommaList(os.Getenv("MAILPROXY_TRACKING_HOST_PATTERNS")),
		InboxesJSON:          os.Getenv("MAILPROXY_INBOXES"),
		APIToken:             os.Getenv("MAILPROXY_API_TOKEN"),
		Port:                 getEnvOrDefault("PORT", "8080"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("MAILPROXY_SESSION_TTL_SECONDS must be positive")
	}

	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("MAILPROXY_KEEPALIVE_INTERVAL_SECONDS must be positive")
	}

	// The worker refreshes records older than ttl - 2*interval; a TTL shorter
	// than two intervals would let sessions expire between ticks.
	if c.SessionTTL < 2*c.KeepaliveInterval {
		return fmt.Errorf("MAILPROXY_SESSION_TTL_SECONDS must be at least twice MAILPROXY_KEEPALIVE_INTERVAL_SECONDS")
	}

	if c.MaxLiveHandles <= 0 {
		return fmt.Errorf("MAILPROXY_MAX_LIVE_HANDLES must be positive")
	}

	if c.BodyCharLimit <= 0 || c.AttachmentCharLimit <= 0 {
		return fmt.Errorf("transformer character limits must be positive")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return parsed, nil
}

func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
