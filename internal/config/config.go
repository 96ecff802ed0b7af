package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Verification
	MarkerNamespace   string
	SessionTTL        time.Duration
	EnableMockConfirm bool

	// Reply search (twitterapi.io)
	TwitterAPIKey          string
	VerificationTweetID    string
	ReplySearchBaseURL     string
	ReplySearchTimeout     time.Duration
	ReplySearchMaxPages    int
	ReplySearchMaxSize     int64
	ReplySearchMinInterval time.Duration
	UpstreamRetryAfter     time.Duration

	// Rate Limit（req/min/IP）
	RateLimitGeneral   int
	RateLimitReconcile int

	// Verification query cache
	VerifyCacheTTL time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TwitterAPIKey = os.Getenv("TWITTERAPI_IO_KEY")
	if cfg.TwitterAPIKey == "" {
		missing = append(missing, "TWITTERAPI_IO_KEY")
	}

	cfg.VerificationTweetID = os.Getenv("VERIFICATION_TWEET_ID")
	if cfg.VerificationTweetID == "" {
		missing = append(missing, "VERIFICATION_TWEET_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MarkerNamespace = getEnvString("MARKER_NAMESPACE", "kazar")
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 10*time.Minute)
	cfg.EnableMockConfirm = getEnvBool("ENABLE_MOCK_CONFIRM", true)
	cfg.ReplySearchBaseURL = strings.TrimRight(getEnvString("REPLY_SEARCH_BASE_URL", "https://api.twitterapi.io"), "/")
	cfg.ReplySearchTimeout = getEnvDuration("REPLY_SEARCH_TIMEOUT", 15*time.Second)
	cfg.ReplySearchMaxPages = getEnvInt("REPLY_SEARCH_MAX_PAGES", 1)
	cfg.ReplySearchMaxSize = getEnvInt64("REPLY_SEARCH_MAX_RESPONSE_SIZE", 1<<20)
	cfg.ReplySearchMinInterval = getEnvDuration("REPLY_SEARCH_MIN_INTERVAL", time.Second)
	cfg.UpstreamRetryAfter = getEnvDuration("RATE_LIMIT_RETRY_AFTER", 30*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReconcile = getEnvInt("RATE_LIMIT_RECONCILE", 6)
	cfg.VerifyCacheTTL = getEnvDuration("VERIFY_CACHE_TTL", 30*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// ページ上限は最低1ページ
	if cfg.ReplySearchMaxPages < 1 {
		cfg.ReplySearchMaxPages = 1
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
