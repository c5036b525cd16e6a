package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvFileVar names the variable pointing at an explicit env file.
const EnvFileVar = "BASEMAPP_ENV_FILE"

type Config struct {
	Port         string
	Environment  string
	DatabasePath string
	JWTSecret    string
	TokenTTL     time.Duration
	CORSOrigins  string
	RedisURL     string
	PresenceTTL  time.Duration
	LogLevel     string
}

// ClientConfig holds settings for the messaging client session.
type ClientConfig struct {
	BackendURL        string
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	PendingQueueLimit int
	ContactsPath      string
	Environment       string
	LogLevel          string
}

// Load reads server configuration from the environment. Values from the env
// file never override variables that are already set. A missing default .env
// is fine; an unreadable one, or any problem with the file named by
// BASEMAPP_ENV_FILE, is an error.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/basemapp.db"),
		JWTSecret:    getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		TokenTTL:     parseDuration(getEnv("TOKEN_TTL", ""), 30*24*time.Hour),
		CORSOrigins:  getEnv("CORS_ORIGINS", "*"),
		RedisURL:     getEnv("REDIS_URL", ""),
		PresenceTTL:  parseDuration(getEnv("PRESENCE_TTL", ""), 90*time.Second),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}, nil
}

// LoadClient reads client session configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	return &ClientConfig{
		BackendURL:        getEnv("BACKEND_URL", "http://localhost:8080"),
		ReconnectDelay:    parseDuration(getEnv("RECONNECT_DELAY", ""), 5*time.Second),
		PollInterval:      parseDuration(getEnv("POLL_INTERVAL", ""), 4*time.Second),
		HeartbeatInterval: parseDuration(getEnv("HEARTBEAT_INTERVAL", ""), 30*time.Second),
		PendingQueueLimit: parseInt(getEnv("PENDING_QUEUE_LIMIT", ""), 0),
		ContactsPath:      getEnv("CONTACTS_PATH", "./data/contacts.json"),
		Environment:       getEnv("ENVIRONMENT", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}, nil
}

func loadEnvFile() error {
	if path, ok := os.LookupEnv(EnvFileVar); ok && path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s=%s: %w", EnvFileVar, path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	val, err := strconv.Atoi(s)
	if err != nil || val < 0 {
		return fallback
	}
	return val
}
