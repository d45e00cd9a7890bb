package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/hitoshi/userquery/internal/security"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Users API
	UsersBaseURL     string
	UsersMaxBodySize int64
	UsersSafeFetch   bool

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// ベースURLの形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.UsersBaseURL = getEnvString("USERS_BASE_URL", "http://localhost:3000")
	if err := security.ValidateBaseURL(cfg.UsersBaseURL); err != nil {
		return nil, fmt.Errorf("invalid USERS_BASE_URL: %w", err)
	}

	cfg.UsersMaxBodySize = getEnvInt64("USERS_MAX_BODY_SIZE", 5242880)
	cfg.UsersSafeFetch = getEnvBool("USERS_SAFE_FETCH", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

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

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return defaultVal
	}
	return level
}
