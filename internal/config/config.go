package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"ollachat"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Auth (single user)
	JWTSecret     string `env:"JWT_SECRET"`
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD"` // plaintext or bcrypt hash
	AdminUserID   string `env:"ADMIN_USER_ID" envDefault:"admin"`

	// Ollama
	OllamaURL          string        `env:"OLLAMA_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaDefaultModel string        `env:"OLLAMA_DEFAULT_MODEL" envDefault:"llama3.2"`
	OllamaTimeout      time.Duration `env:"OLLAMA_TIMEOUT" envDefault:"30s"`
	RelayTimeout       time.Duration `env:"RELAY_TIMEOUT" envDefault:"10m"`

	// Redis message cache, disabled when REDIS_ADDR is empty
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	// Chat rate limit per user
	ChatRatePerMinute int `env:"CHAT_RATE_PER_MINUTE" envDefault:"30"`
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and warns about optional ones.
func (c *Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.DBHost == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.RelayTimeout <= 0 {
		return errors.New("RELAY_TIMEOUT must be positive")
	}
	if c.ChatRatePerMinute < 0 {
		return errors.New("CHAT_RATE_PER_MINUTE must not be negative")
	}

	if c.AdminPassword == "" {
		slog.Warn("ADMIN_PASSWORD not set, login is disabled")
	}
	if c.RedisAddr == "" {
		slog.Warn("REDIS_ADDR not set, message cache is disabled")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
