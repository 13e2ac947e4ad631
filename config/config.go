package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Gateway credentials
	GatewayURL        string
	GatewayAPIKey     string
	GatewayClientCode string
	GatewayTOTPSecret string
	GatewayClientID   int

	// Account
	BaseCurrency string
	Readonly     bool
	DemoMode     bool
	AutoSync     bool

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	APIAddr       string
	MetricsAddr   string
	LogLevel      string

	// Sync tuning
	OrderQueueMax     int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	KeepaliveInterval time.Duration
	CacheFlushEvery   time.Duration
	WSUpdateInterval  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		GatewayURL:        getEnv("GATEWAY_URL", "ws://127.0.0.1:7497/ws"),
		GatewayAPIKey:     mustEnv("GATEWAY_API_KEY"),
		GatewayClientCode: mustEnv("GATEWAY_CLIENT_CODE"),
		GatewayTOTPSecret: mustEnv("GATEWAY_TOTP_SECRET"),
		GatewayClientID:   intEnv("GATEWAY_CLIENT_ID", 1),

		BaseCurrency: getEnv("BASE_CURRENCY", "USD"),
		Readonly:     boolEnv("TRACKER_READONLY", false),
		DemoMode:     boolEnv("TRACKER_DEMO_MODE", false),
		AutoSync:     boolEnv("TRACKER_AUTO_SYNC", true),

		SQLitePath:    getEnv("SQLITE_PATH", "data/tracker.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		APIAddr:       getEnv("API_ADDR", ":8000"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		OrderQueueMax:     intEnv("ORDER_QUEUE_MAX", 50),
		ReconnectMinDelay: secondsEnv("RECONNECT_MIN_DELAY", 3),
		ReconnectMaxDelay: secondsEnv("RECONNECT_MAX_DELAY", 60),
		KeepaliveInterval: secondsEnv("KEEPALIVE_SECONDS", 15),
		CacheFlushEvery:   secondsEnv("CACHE_FLUSH_SECONDS", 30),
		WSUpdateInterval:  millisEnv("WS_UPDATE_INTERVAL_MS", 300),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Second
}

func millisEnv(key string, fallback int) time.Duration {
	return time.Duration(intEnv(key, fallback)) * time.Millisecond
}
