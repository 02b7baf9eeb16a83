package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates engine settings loaded from the environment.
type Config struct {
	Env      string
	LogLevel string

	APIBaseURL string
	WSBaseURL  string
	Token      string
	UserID     string
	UserRole   string

	// ConversationID is only used by the harness binary
	ConversationID string

	PageSize         int
	ConnectTimeout   time.Duration
	ReconnectBase    time.Duration
	MaxReconnects    int
	OptimisticWindow time.Duration
	HTTPTimeout      time.Duration
	RefetchInterval  time.Duration

	CachePath string
}

// Load reads .env (if any) and parses configuration from the current environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return FromEnv()
}

// FromEnv parses configuration without touching .env files.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:            getEnv("APP_ENV", "dev"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		APIBaseURL:     strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000"), "/"),
		WSBaseURL:      strings.TrimRight(getEnv("WS_BASE_URL", ""), "/"),
		Token:          os.Getenv("AUTH_TOKEN"),
		UserID:         os.Getenv("USER_ID"),
		UserRole:       getEnv("USER_ROLE", "buyer"),
		ConversationID: os.Getenv("CONVERSATION_ID"),
		CachePath:      os.Getenv("CACHE_PATH"),
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = deriveWSBase(cfg.APIBaseURL)
	}

	var err error
	if cfg.PageSize, err = parseIntEnv("PAGE_SIZE", 4); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnects, err = parseIntEnv("WS_MAX_RECONNECTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = parseDurationEnv("WS_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBase, err = parseDurationEnv("WS_RECONNECT_BASE", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OptimisticWindow, err = parseDurationEnv("OPTIMISTIC_WINDOW", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = parseDurationEnv("HTTP_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RefetchInterval, err = parseDurationEnv("REFETCH_INTERVAL", 500*time.Millisecond); err != nil {
		return Config{}, err
	}

	if cfg.PageSize <= 0 {
		return Config{}, fmt.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}
	if cfg.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("WS_MAX_RECONNECTS must not be negative, got %d", cfg.MaxReconnects)
	}
	return cfg, nil
}

// deriveWSBase turns http(s)://host into ws(s)://host.
func deriveWSBase(api string) string {
	switch {
	case strings.HasPrefix(api, "https://"):
		return "wss://" + strings.TrimPrefix(api, "https://")
	case strings.HasPrefix(api, "http://"):
		return "ws://" + strings.TrimPrefix(api, "http://")
	default:
		return api
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return n, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}
