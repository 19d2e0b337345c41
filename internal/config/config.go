// Package config resolves the server configuration: built-in defaults, an
// optional YAML file, then environment variables, strongest last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Env        string `yaml:"env"` // "dev" or "prod"

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	AbandonmentTimeoutSeconds int `yaml:"abandonment_timeout_seconds"`
	ClaimWinTimeoutSeconds    int `yaml:"claim_win_timeout_seconds"`
	MaxActiveGamesPerIP       int `yaml:"max_active_games_per_ip"`

	RateLimitGameCreateMax    int `yaml:"rate_limit_game_create_max"`
	RateLimitGameCreateWindow int `yaml:"rate_limit_game_create_window"` // seconds
	RateLimitWSConnectMax     int `yaml:"rate_limit_ws_connect_max"`
	RateLimitWSConnectWindow  int `yaml:"rate_limit_ws_connect_window"` // seconds

	SweepIntervalMs     int64 `yaml:"sweep_interval_ms"`
	WaitingGameMaxAgeMs int64 `yaml:"waiting_game_max_age_ms"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	MessageOverrideDir string `yaml:"message_override_dir"`
}

// Prod reports whether the server runs with production policies (origin
// checks deny by default when no allowlist is configured).
func (c *AppConfig) Prod() bool { return strings.EqualFold(c.Env, "prod") }

// Load builds the configuration. CONFIG_FILE names an optional YAML file
// applied between the defaults and the environment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:                ":8080",
		Env:                       "dev",
		AbandonmentTimeoutSeconds: 300,
		ClaimWinTimeoutSeconds:    60,
		MaxActiveGamesPerIP:       5,
		RateLimitGameCreateMax:    10,
		RateLimitGameCreateWindow: 60,
		RateLimitWSConnectMax:     30,
		RateLimitWSConnectWindow:  60,
		SweepIntervalMs:           300_000,
		WaitingGameMaxAgeMs:       3_600_000,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}

	intEnv("ABANDONMENT_TIMEOUT_SECONDS", &cfg.AbandonmentTimeoutSeconds)
	intEnv("CLAIM_WIN_TIMEOUT_SECONDS", &cfg.ClaimWinTimeoutSeconds)
	intEnv("MAX_ACTIVE_GAMES_PER_IP", &cfg.MaxActiveGamesPerIP)
	intEnv("RATE_LIMIT_GAME_CREATE_MAX", &cfg.RateLimitGameCreateMax)
	intEnv("RATE_LIMIT_GAME_CREATE_WINDOW", &cfg.RateLimitGameCreateWindow)
	intEnv("RATE_LIMIT_WS_CONNECT_MAX", &cfg.RateLimitWSConnectMax)
	intEnv("RATE_LIMIT_WS_CONNECT_WINDOW", &cfg.RateLimitWSConnectWindow)
	int64Env("SWEEP_INTERVAL_MS", &cfg.SweepIntervalMs)
	int64Env("WAITING_GAME_MAX_AGE_MS", &cfg.WaitingGameMaxAgeMs)

	if v, set := os.LookupEnv("CORS_ALLOWED_ORIGINS"); set {
		cfg.CORSAllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR")); v != "" {
		cfg.MessageOverrideDir = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func intEnv(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func int64Env(key string, dst *int64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}
