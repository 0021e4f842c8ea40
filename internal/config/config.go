package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultTopics is used when SUBSCRIBED_TOPICS is unset.
const DefaultTopics = "general,sports,politics"

type Config struct {
	Port         string `env:"PORT,default=8080"`
	TopicBaseURL string `env:"TOPIC_BASE_URL"`
	// SubscribedTopics is a comma separated list, in subscription order.
	SubscribedTopics string `env:"SUBSCRIBED_TOPICS"`

	TopicConnectionLimit int `env:"TOPIC_CONNECTION_LIMIT,default=10000"`
	TopicMaxShards       int `env:"TOPIC_MAX_SHARDS,default=5"`

	SubscribeTimeout time.Duration `env:"SUBSCRIBE_TIMEOUT,default=10s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	PingInterval     time.Duration `env:"PING_INTERVAL,default=30s"`
	SendBuffer       int           `env:"SEND_BUFFER,default=64"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.SubscribedTopics == "" {
		cfg.SubscribedTopics = DefaultTopics
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.TopicBaseURL == "" {
		cfg.TopicBaseURL = "ws://127.0.0.1:" + cfg.Port
	}

	return &cfg, nil
}

// Topics returns the subscribed topic list with blanks and duplicates
// removed, keeping first-seen order.
func (c *Config) Topics() []string {
	seen := make(map[string]bool)
	var topics []string
	for _, t := range strings.Split(c.SubscribedTopics, ",") {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}
	if len(cfg.Topics()) == 0 {
		return errors.New("SUBSCRIBED_TOPICS must name at least one topic")
	}
	if cfg.TopicConnectionLimit < 1 {
		return fmt.Errorf("TOPIC_CONNECTION_LIMIT must be positive, got %d", cfg.TopicConnectionLimit)
	}
	if cfg.TopicMaxShards < 1 {
		return fmt.Errorf("TOPIC_MAX_SHARDS must be positive, got %d", cfg.TopicMaxShards)
	}
	if cfg.SubscribeTimeout <= 0 {
		return errors.New("SUBSCRIBE_TIMEOUT must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("WRITE_TIMEOUT must be positive")
	}
	if cfg.PingInterval < 0 {
		return errors.New("PING_INTERVAL must not be negative")
	}
	if cfg.SendBuffer < 1 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", cfg.SendBuffer)
	}
	if cfg.TopicBaseURL != "" && !strings.HasPrefix(cfg.TopicBaseURL, "ws://") && !strings.HasPrefix(cfg.TopicBaseURL, "wss://") {
		return fmt.Errorf("TOPIC_BASE_URL must be a ws:// or wss:// URL, got %q", cfg.TopicBaseURL)
	}
	return nil
}
