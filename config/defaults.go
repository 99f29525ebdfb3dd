// Package config provides centralized default values for SurveyKiosk
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// getEnvInt reads environment variable with fallback to default
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt64 reads environment variable with fallback to default
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvString reads environment variable with string fallback
func getEnvString(key string, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvStringSlice reads a comma-separated environment variable
func getEnvStringSlice(key string, defaultValue []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// getEnvDuration reads environment variable as duration with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		// Try as integer seconds
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// Server Configuration
var (
	Port    = getEnvString("PORT", "8080")
	KioskID = getEnvString("KIOSK_ID", "kiosk-unknown")
)

// Durable Store Configuration
var (
	StoreDriver   = getEnvString("STORE_DRIVER", "sqlite3")
	StoreDSN      = getEnvString("STORE_DSN", "surveykiosk.db?_journal_mode=WAL")
	StoreMaxBytes = getEnvInt64("STORE_MAX_BYTES", 5*1024*1024)
)

// Resource Cache Configuration
var (
	CacheDir          = getEnvString("CACHE_DIR", "resource-cache")
	CacheVersion      = getEnvString("CACHE_VERSION", "v1")
	OriginURL         = getEnvString("ORIGIN_URL", "http://localhost:4321")
	AppShellPath      = getEnvString("APP_SHELL_PATH", "/index.html")
	VersionCheckPath  = getEnvString("VERSION_CHECK_PATH", "/version.json")
	MediaPathPrefix   = getEnvString("MEDIA_PATH_PREFIX", "/media/")
	RemoteAPIPrefix   = getEnvString("REMOTE_API_PREFIX", "/api/")
	CriticalAssets    = getEnvStringSlice("CRITICAL_ASSETS", []string{"/index.html", "/styles.css", "/app.js", "/logo.svg"})
	MediaAssets       = getEnvStringSlice("MEDIA_ASSETS", []string{})
	RevalidateWindow  = getEnvDuration("REVALIDATE_WINDOW", 10*time.Minute)
	ThrottleRetention = getEnvDuration("THROTTLE_RETENTION", time.Hour)
)

// Submission Queue Configuration
var (
	MaxQueueSize          = getEnvInt("MAX_QUEUE_SIZE", 200)
	MaxAnalyticsQueueSize = getEnvInt("MAX_ANALYTICS_QUEUE_SIZE", 500)
)

// Sync Configuration
var (
	SyncEndpoint          = getEnvString("SYNC_ENDPOINT", "")
	AnalyticsEndpoint     = getEnvString("ANALYTICS_ENDPOINT", "")
	SyncMaxRetries        = getEnvInt("SYNC_MAX_RETRIES", 3)
	SyncRetryBaseDelay    = getEnvDuration("SYNC_RETRY_BASE_DELAY", 2*time.Second)
	QuarantineAfterCycles = getEnvInt("QUARANTINE_AFTER_CYCLES", 5)
)

// Scheduler Configuration
var (
	SyncInterval        = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	UpdateCheckInterval = getEnvDuration("UPDATE_CHECK_INTERVAL", 24*time.Hour)
)

// Admin Configuration
var (
	AdminPasswordHash = getEnvString("ADMIN_PASSWORD_HASH", "")
	JWTSecret         = getEnvString("JWT_SECRET", "")
)

// Alerting Configuration
var (
	OperatorEmail    = getEnvString("OPERATOR_EMAIL", "")
	AlertMinInterval = getEnvDuration("ALERT_MIN_INTERVAL", time.Hour)
	EmailFromAddress = getEnvString("KIOSK_EMAIL_FROM", "noreply@yourdomain.com")
	EmailFromName    = getEnvString("KIOSK_EMAIL_FROM_NAME", "SurveyKiosk")
)
