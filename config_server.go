package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	Server struct {
		Host string `yaml:"host" envconfig:"HOST"`
		Port int    `yaml:"port" default:"8600" envconfig:"PORT"`

		LogLevel slog.Level `yaml:"log_level" envconfig:"LOG_LEVEL"`
		// ApiKey guards the control endpoints. When empty, every control
		// request is rejected.
		ApiKey         string   `yaml:"api_key" envconfig:"API_KEY"`
		AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path" default:"upwatch.db" envconfig:"DATABASE_PATH"`
	} `yaml:"database"`
	Scheduler struct {
		TickInterval   time.Duration `yaml:"tick_interval" default:"60s" envconfig:"SCHEDULER_TICK_INTERVAL"`
		MaxConcurrency int64         `yaml:"max_concurrency" default:"10" envconfig:"SCHEDULER_MAX_CONCURRENCY"`
	} `yaml:"scheduler"`
	Escalation struct {
		TickInterval time.Duration     `yaml:"tick_interval" default:"5m" envconfig:"ESCALATION_TICK_INTERVAL"`
		MarkerTTL    time.Duration     `yaml:"marker_ttl" default:"24h" envconfig:"ESCALATION_MARKER_TTL"`
		Levels       []EscalationLevel `yaml:"levels" ignored:"true"`
	} `yaml:"escalation"`
	Location Location `yaml:"location"`
	Realtime struct {
		TopicURL string `yaml:"topic_url" default:"mem://realtime" envconfig:"REALTIME_TOPIC_URL"`
	} `yaml:"realtime"`
	Notification struct {
		Email           EmailConfig   `yaml:"email"`
		DashboardURL    string        `yaml:"dashboard_url" default:"http://localhost:5174" envconfig:"FRONTEND_URL"`
		DeliveryTimeout time.Duration `yaml:"delivery_timeout" default:"10s" envconfig:"NOTIFICATION_DELIVERY_TIMEOUT"`
		Webhook         struct {
			Enabled    bool              `yaml:"enabled" envconfig:"ALERT_WEBHOOK_ENABLED"`
			Url        string            `yaml:"url" envconfig:"ALERT_WEBHOOK_URL"`
			HmacSecret string            `yaml:"hmac_secret" envconfig:"ALERT_WEBHOOK_HMAC_SECRET"`
			Headers    map[string]string `yaml:"headers" ignored:"true"`
		} `yaml:"webhook"`
	} `yaml:"notification"`
	Sentry struct {
		Dsn              string  `yaml:"dsn" envconfig:"SENTRY_DSN"`
		ErrorSampleRate  float64 `yaml:"error_sample_rate" default:"1.0" envconfig:"SENTRY_ERROR_SAMPLE_RATE"`
		TracesSampleRate float64 `yaml:"traces_sample_rate" default:"1.0" envconfig:"SENTRY_TRACES_SAMPLE_RATE"`
		Debug            bool    `yaml:"debug" default:"false" envconfig:"SENTRY_DEBUG"`
	} `yaml:"sentry"`
}

// LoadServerConfig reads defaults and environment variables first, then
// overlays the YAML file at path if it exists.
func LoadServerConfig(path string) (ServerConfig, error) {
	var config ServerConfig
	if err := envconfig.Process("", &config); err != nil {
		return ServerConfig{}, fmt.Errorf("processing environment: %w", err)
	}

	configFile, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(configFile, &config); err != nil {
			return ServerConfig{}, fmt.Errorf("unmarshaling config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return ServerConfig{}, err
	}
	return config, nil
}

func (c ServerConfig) validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Escalation.TickInterval <= 0 {
		return fmt.Errorf("escalation.tick_interval must be positive, got %s", c.Escalation.TickInterval)
	}
	seen := make(map[int]bool, len(c.Escalation.Levels))
	for _, level := range c.Escalation.Levels {
		if level.Level <= 0 || seen[level.Level] {
			return fmt.Errorf("escalation level numbers must be positive and unique, got %d", level.Level)
		}
		if level.Delay < 0 {
			return fmt.Errorf("escalation level %d has a negative delay", level.Level)
		}
		seen[level.Level] = true
	}
	if c.Notification.Webhook.Enabled && c.Notification.Webhook.Url == "" {
		return errors.New("notification.webhook.url is required when the webhook is enabled")
	}
	return nil
}
