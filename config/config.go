package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSystemPrompt is used when the client handshake carries no prompt.
const DefaultSystemPrompt = `You are a helpful voice assistant. You are speaking
with the user over live audio, so keep replies short and conversational. Never
fabricate information; if you do not know something, say so.`

// Config holds all server configuration
type Config struct {
	Port               int
	GeminiAPIKey       string
	RedisURL           string
	RedisPassword      string
	MaxSessions        int
	SessionIdleTimeout time.Duration // sessions with no traffic this long are closed
	HandshakeTimeout   time.Duration // bound on waiting for the first config frame
	WriteTimeout       time.Duration
	MaxContextChars    int // cap on retrieved context injected into the instruction
	AllowedOrigins     []string
	VoiceName          string
	SystemPrompt       string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:               8080,
		RedisURL:           "localhost:6379",
		RedisPassword:      "",
		MaxSessions:        100,
		SessionIdleTimeout: 5 * time.Minute,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxContextChars:    32 * 1024,
		AllowedOrigins:     []string{"*"},
		VoiceName:          "Zephyr",
		SystemPrompt:       DefaultSystemPrompt,
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_IDLE_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_IDLE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_IDLE_TIMEOUT: %w", err)
		}
		config.SessionIdleTimeout = time.Duration(t) * time.Minute
	}

	// Optional: HANDSHAKE_TIMEOUT (in seconds)
	if timeout := os.Getenv("HANDSHAKE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid HANDSHAKE_TIMEOUT: %w", err)
		}
		config.HandshakeTimeout = time.Duration(t) * time.Second
	}

	// Optional: MAX_CONTEXT_CHARS
	if maxChars := os.Getenv("MAX_CONTEXT_CHARS"); maxChars != "" {
		m, err := strconv.Atoi(maxChars)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CONTEXT_CHARS: %w", err)
		}
		config.MaxContextChars = m
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: VOICE_NAME (Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr)
	if voice := os.Getenv("VOICE_NAME"); voice != "" {
		config.VoiceName = voice
	}

	// Optional: SYSTEM_PROMPT
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		config.SystemPrompt = prompt
	}

	return config, nil
}
