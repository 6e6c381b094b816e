package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_KEY", "from-env")

	path := writeFile(t, "config.yaml", `
server:
  api_key: from-file
scheduler:
  tick_interval: 30s
  max_concurrency: 4
escalation:
  levels:
    - level: 1
      delay: 0s
      channels: [email]
      message: Down
    - level: 2
      delay: 10m
      channels: [email, slack]
      message: Still down
notification:
  webhook:
    enabled: true
    url: https://ops.example.com/hook
    headers:
      X-Team: platform
`)

	config, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if config.Server.Port != 9100 {
		t.Errorf("expected port from the environment, got %d", config.Server.Port)
	}
	if config.Server.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", config.Server.LogLevel)
	}
	if config.Server.ApiKey != "from-file" {
		t.Errorf("expected the file to override the environment, got %q", config.Server.ApiKey)
	}
	if config.Scheduler.TickInterval != 30*time.Second || config.Scheduler.MaxConcurrency != 4 {
		t.Errorf("unexpected scheduler settings %+v", config.Scheduler)
	}
	if config.Escalation.TickInterval != 5*time.Minute || config.Escalation.MarkerTTL != 24*time.Hour {
		t.Errorf("expected escalation defaults, got %+v", config.Escalation)
	}
	if len(config.Escalation.Levels) != 2 || config.Escalation.Levels[1].Delay != 10*time.Minute {
		t.Errorf("unexpected escalation levels %+v", config.Escalation.Levels)
	}
	if !slices.Equal(config.Escalation.Levels[1].Channels, []Channel{ChannelEmail, ChannelSlack}) {
		t.Errorf("unexpected level 2 channels %v", config.Escalation.Levels[1].Channels)
	}
	if config.Notification.Webhook.Headers["X-Team"] != "platform" {
		t.Errorf("unexpected webhook headers %v", config.Notification.Webhook.Headers)
	}
	if config.Realtime.TopicURL != "mem://realtime" {
		t.Errorf("expected the default topic, got %q", config.Realtime.TopicURL)
	}
	if config.Notification.Email.Port != 587 {
		t.Errorf("expected the default smtp port, got %d", config.Notification.Email.Port)
	}
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	config, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults without a file, got %v", err)
	}
	if config.Scheduler.TickInterval != time.Minute || config.Scheduler.MaxConcurrency != DefaultMaxConcurrency {
		t.Errorf("unexpected scheduler defaults %+v", config.Scheduler)
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		message string
	}{
		{
			name:    "non positive tick",
			content: "scheduler:\n  tick_interval: 0s\n",
			message: "scheduler.tick_interval",
		},
		{
			name:    "duplicate level",
			content: "escalation:\n  levels:\n    - level: 1\n    - level: 1\n",
			message: "unique",
		},
		{
			name:    "webhook without url",
			content: "notification:\n  webhook:\n    enabled: true\n",
			message: "notification.webhook.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(writeFile(t, "config.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.message) {
				t.Errorf("expected an error mentioning %q, got %v", tt.message, err)
			}
		})
	}
}

const testMonitorFile = `
users:
  - id: owner-1
    email: owner@example.com
    name: Owner
monitors:
  - id: seed-api
    owner_id: owner-1
    url: https://api.example.com/health
    interval_seconds: 60
    alert_settings:
      enabled: true
      email: true
  - id: seed-web
    owner_id: owner-1
    name: Website
    url: https://www.example.com
    method: HEAD
    active: false
`

func TestLoadMonitorConfig(t *testing.T) {
	config, err := LoadMonitorConfig(writeFile(t, "monitor.yaml", testMonitorFile))
	if err != nil {
		t.Fatalf("failed to load monitor file: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("expected a valid monitor file, got %v", err)
	}
	if len(config.Monitors) != 2 {
		t.Fatalf("expected 2 monitors, got %d", len(config.Monitors))
	}

	api := config.Monitors[0].Monitor()
	if api.Name != api.URL || !api.Active || api.Method != "GET" || api.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("unexpected defaults %+v", api)
	}
	web := config.Monitors[1].Monitor()
	if web.Active || web.Method != "HEAD" || web.IntervalSeconds != DefaultIntervalSeconds {
		t.Errorf("unexpected monitor %+v", web)
	}

	t.Run("missing file", func(t *testing.T) {
		config, err := LoadMonitorConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil || len(config.Monitors) != 0 {
			t.Errorf("expected an empty config, got %d monitors (%v)", len(config.Monitors), err)
		}
	})
}

func TestMonitorConfig_Validate(t *testing.T) {
	config := MonitorConfig{
		Users: []User{{ID: "owner-1"}},
		Monitors: []MonitorSeed{
			{ID: "a", OwnerID: "owner-1", URL: "https://a.example.com"},
			{ID: "a", OwnerID: "owner-1", URL: "https://b.example.com"},
			{ID: "c", OwnerID: "stranger", URL: "https://c.example.com"},
			{ID: "d", OwnerID: "owner-1", URL: "https://d.example.com", IntervalSeconds: 5},
		},
	}

	err := config.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, expected := range []string{"duplicate id a", "unknown owner stranger", "interval 5s"} {
		if !strings.Contains(err.Error(), expected) {
			t.Errorf("expected error to mention %q, got %v", expected, err)
		}
	}
	if !errors.Is(err, ErrInvalidMonitor) {
		t.Errorf("expected the interval error to wrap ErrInvalidMonitor, got %v", err)
	}
}

func TestMonitorConfig_Seed(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)
	config, err := LoadMonitorConfig(writeFile(t, "monitor.yaml", testMonitorFile))
	if err != nil {
		t.Fatalf("failed to load monitor file: %v", err)
	}

	for range 2 {
		if err := config.Seed(ctx, store); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	api, err := store.GetMonitor(ctx, "seed-api")
	if err != nil {
		t.Fatalf("failed to get seeded monitor: %v", err)
	}
	if api.Status != MonitorStatusPending || !api.AlertSettings.Email || api.Version != 2 {
		t.Errorf("unexpected seeded monitor %+v", api)
	}
	destinations, err := store.NotificationDestinations(ctx, "owner-1")
	if err != nil {
		t.Fatalf("failed to look up destinations: %v", err)
	}
	if destinations.Email != "owner@example.com" {
		t.Errorf("unexpected destinations %+v", destinations)
	}

	due, err := store.FindDueForProbe(ctx, nowUTC())
	if err != nil {
		t.Fatalf("failed to find due monitors: %v", err)
	}
	if len(due) != 1 || due[0].ID != "seed-api" {
		t.Errorf("expected only the active seeded monitor to be due, got %+v", due)
	}
}
