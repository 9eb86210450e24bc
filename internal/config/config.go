// Package config loads gateway settings from the environment, with a local
// .env file picked up in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the gateway process.
type Config struct {
	Port string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	UpstreamURL string

	LLMEndpoint     string
	FastModel       string
	DeepModel       string
	LLMSoftDeadline time.Duration

	AdminToken string
	RulesPath  string
}

// Load reads configuration from the environment. A missing .env file is not
// an error; a malformed numeric value is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		UpstreamURL:   getEnv("UPSTREAM_URL", "http://localhost:3000"),
		LLMEndpoint:   getEnv("LLM_ENDPOINT", "http://localhost:11434"),
		FastModel:     getEnv("LLM_FAST_MODEL", "llama3.2:1b"),
		DeepModel:     getEnv("LLM_DEEP_MODEL", "llama3.1:8b"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		RulesPath:     os.Getenv("POLICY_RULES_PATH"),
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = db

	deadlineMs, err := getEnvInt("LLM_SOFT_DEADLINE_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.LLMSoftDeadline = time.Duration(deadlineMs) * time.Millisecond

	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("ADMIN_TOKEN must be set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
