package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay. It is built once at
// startup and passed explicitly to every component constructor.
type Config struct {
	Env string

	// Signal transport
	SignalAPIURL string
	SignalNumber string

	// Ollama inference backend
	OllamaAPIURL string
	OllamaModel  string
	SystemPrompt string

	// Durable log
	DBPath string

	// Context window size (messages per conversation)
	ContextWindow int

	// Operational HTTP surface; empty disables it.
	OpsPort string

	LogLevel string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Env:          getEnv("ENV", "development"),
		SignalAPIURL: getEnv("SIGNAL_API_URL", "http://localhost:8080"),
		SignalNumber: os.Getenv("SIGNAL_NUMBER"),
		OllamaAPIURL: getEnv("OLLAMA_API_URL", "http://localhost:11434"),
		OllamaModel:  getEnv("OLLAMA_MODEL", "llama3.2"),
		SystemPrompt: os.Getenv("SYSTEM_PROMPT"),
		DBPath:       getEnv("DB_PATH", "./data/penny.db"),
		OpsPort:      getEnv("OPS_PORT", "9090"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.SignalNumber == "" {
		return nil, fmt.Errorf("SIGNAL_NUMBER environment variable is required")
	}

	window, err := getEnvInt("CONTEXT_WINDOW", 20)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, fmt.Errorf("CONTEXT_WINDOW must be positive, got %d", window)
	}
	cfg.ContextWindow = window

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return n, nil
}
