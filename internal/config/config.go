// Package config loads service configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/eleven-am/conduit/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Workers WorkersConfig `yaml:"workers"`
	LLM     LLMConfig     `yaml:"llm"`
	Embed   EmbedConfig   `yaml:"embedding"`
	Logging LoggingConfig `yaml:"logging"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

type WorkersConfig struct {
	PoolSize   int    `yaml:"pool_size"`
	QueueName  string `yaml:"queue_name"`
	MaxRetries int    `yaml:"max_retries"`
}

type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Token       string  `yaml:"token"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type EmbedConfig struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func defaults() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Storage: StorageConfig{Dir: "data"},
		Workers: WorkersConfig{
			PoolSize:   8,
			QueueName:  "conduit",
			MaxRetries: 3,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "llama3.1",
			Temperature: 0.1,
		},
		Embed: EmbedConfig{
			BaseURL:  "http://localhost:11434/v1",
			Model:    "nomic-embed-text",
			Provider: "ollama",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (optional, empty path skips it) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("failed to read config file: %v", err), nil)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("invalid config file: %v", err), nil)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("CONDUIT_HTTP_ADDR", c.HTTP.Addr)
	c.Storage.Dir = getEnv("CONDUIT_STORAGE_DIR", c.Storage.Dir)
	c.Workers.PoolSize = getEnvInt("CONDUIT_WORKER_POOL_SIZE", c.Workers.PoolSize)
	c.Workers.QueueName = getEnv("CONDUIT_QUEUE_NAME", c.Workers.QueueName)
	c.Workers.MaxRetries = getEnvInt("CONDUIT_MAX_RETRIES", c.Workers.MaxRetries)
	c.LLM.BaseURL = getEnv("CONDUIT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Token = getEnv("CONDUIT_LLM_TOKEN", c.LLM.Token)
	c.LLM.Model = getEnv("CONDUIT_LLM_MODEL", c.LLM.Model)
	c.LLM.Temperature = getEnvFloat("CONDUIT_LLM_TEMPERATURE", c.LLM.Temperature)
	c.Embed.BaseURL = getEnv("CONDUIT_EMBED_BASE_URL", c.Embed.BaseURL)
	c.Embed.Token = getEnv("CONDUIT_EMBED_TOKEN", c.Embed.Token)
	c.Embed.Model = getEnv("CONDUIT_EMBED_MODEL", c.Embed.Model)
	c.Embed.Provider = getEnv("CONDUIT_EMBED_PROVIDER", c.Embed.Provider)
	c.Logging.Level = getEnv("CONDUIT_LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("CONDUIT_LOG_FILE", c.Logging.File)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
