// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Server
	ServerPort  string
	MetricsPort string
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string
	CookieMaxAge int

	// CORS
	CORSAllowedOrigin string

	// Session
	SessionPollInterval time.Duration

	// Rate Limit
	RateLimitGeneral  int
	RateLimitAuth     int
	PresenceEventRate float64

	// Presence
	PresenceLeaveScope   string
	PresenceWriteTimeout time.Duration
	PresenceIndexTTL     time.Duration

	// Worker
	ReportInterval time.Duration

	// Logging
	LogLevel string
}

// DefaultEnvFile は起動時に読み込む.envファイルのパス。
const DefaultEnvFile = ".env"

// Load は.envファイルを読み込んだ後、環境変数からConfigを読み込む。
// .envが存在しない場合は環境変数のみを使う。既に設定済みの環境変数は上書きしない。
func Load() (*Config, error) {
	if err := LoadEnvFile(DefaultEnvFile); err != nil {
		return nil, err
	}
	return FromEnv()
}

// LoadEnvFile は指定の.envファイルを環境変数に読み込む。ファイルが無い場合は何もしない。
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FromEnv は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のキーをすべて含むエラーを返す。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.GoogleClientID = required("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = required("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = required("GOOGLE_REDIRECT_URL")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieMaxAge = getEnvInt("COOKIE_MAX_AGE", 30*24*60*60)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.SessionPollInterval = getEnvDuration("SESSION_POLL_INTERVAL", 30*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.PresenceEventRate = getEnvFloat("PRESENCE_EVENT_RATE", 5)
	cfg.PresenceLeaveScope = getEnvChoice("PRESENCE_LEAVE_SCOPE", "connection", "connection", "page")
	cfg.PresenceWriteTimeout = getEnvDuration("PRESENCE_WRITE_TIMEOUT", 5*time.Second)
	cfg.PresenceIndexTTL = getEnvDuration("PRESENCE_INDEX_TTL", 24*time.Hour)
	cfg.ReportInterval = getEnvDuration("REPORT_INTERVAL", 15*time.Minute)
	cfg.LogLevel = getEnvChoice("LOG_LEVEL", "info", "debug", "info", "warn", "error")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvChoice は値がchoicesのいずれかであればそれを、そうでなければdefaultValを返す。
func getEnvChoice(key, defaultVal string, choices ...string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	for _, c := range choices {
		if v == c {
			return v
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
