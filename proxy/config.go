package proxy

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultPort           = 11434
	DefaultLogLevel       = "INFO"
	DefaultRequestTimeout = 60 * time.Second

	// Bounds the entire lifetime of a streaming upstream call. Streams that
	// outlive it are terminated and reported as an upstream timeout.
	DefaultStreamTimeout = 300 * time.Second
)

// Config holds the gateway settings, read once from the environment at
// startup and passed by value into the components. Nothing reads the
// environment after LoadConfig returns.
type Config struct {
	APIKey         string
	BaseURL        string
	Port           int
	LogLevel       string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

var validLogLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// LoadConfig reads gateway settings from the environment. A .env file at
// envPath (or ./.env when empty) is loaded first when present; real
// environment variables win over file values.
func LoadConfig(envPath string) (Config, error) {
	if envPath == "" {
		envPath = ".env"
	}
	// missing file is fine, a malformed one is not
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	config := Config{
		APIKey:         os.Getenv("OPENAI_API_KEY"),
		BaseURL:        DefaultBaseURL,
		Port:           DefaultPort,
		LogLevel:       DefaultLogLevel,
		RequestTimeout: DefaultRequestTimeout,
		StreamTimeout:  DefaultStreamTimeout,
	}

	if config.APIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	if baseURL := os.Getenv("OPENAI_API_BASE_URL"); baseURL != "" {
		if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return Config{}, fmt.Errorf("OPENAI_API_BASE_URL must start with http:// or https://")
		}
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}

	if portStr := os.Getenv("PROXY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PROXY_PORT %q: %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("PROXY_PORT must be between 1 and 65535, got %d", port)
		}
		config.Port = port
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		level = strings.ToUpper(level)
		if !validLogLevels[level] {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL %q, must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL", level)
		}
		config.LogLevel = level
	}

	if timeoutStr := os.Getenv("REQUEST_TIMEOUT"); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REQUEST_TIMEOUT %q: %w", timeoutStr, err)
		}
		if seconds < 1 {
			return Config{}, fmt.Errorf("REQUEST_TIMEOUT must be at least 1 second, got %d", seconds)
		}
		config.RequestTimeout = time.Duration(seconds) * time.Second
	}

	return config, nil
}

// Sanitized returns a loggable view of the config with the key redacted.
func (c Config) Sanitized() map[string]interface{} {
	return map[string]interface{}{
		"base_url":           c.BaseURL,
		"port":               c.Port,
		"log_level":          c.LogLevel,
		"request_timeout":    c.RequestTimeout.String(),
		"stream_timeout":     c.StreamTimeout.String(),
		"api_key_configured": c.APIKey != "",
	}
}
