package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
)

// MonitorSeed is a monitor definition as written in monitor.yaml.
type MonitorSeed struct {
	ID                 string        `yaml:"id"`
	OwnerID            string        `yaml:"owner_id"`
	Name               string        `yaml:"name"`
	URL                string        `yaml:"url"`
	Method             string        `yaml:"method"`
	IntervalSeconds    int           `yaml:"interval_seconds"`
	TimeoutSeconds     int           `yaml:"timeout_seconds"`
	ExpectedStatusCode int           `yaml:"expected_status_code"`
	Headers            []Header      `yaml:"headers"`
	AlertSettings      AlertSettings `yaml:"alert_settings"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

func (s MonitorSeed) Monitor() Monitor {
	monitor := Monitor{
		ID:                 s.ID,
		OwnerID:            s.OwnerID,
		Name:               s.Name,
		URL:                s.URL,
		Method:             s.Method,
		IntervalSeconds:    s.IntervalSeconds,
		TimeoutSeconds:     s.TimeoutSeconds,
		ExpectedStatusCode: s.ExpectedStatusCode,
		Headers:            s.Headers,
		AlertSettings:      s.AlertSettings,
		Active:             s.Active == nil || *s.Active,
	}
	if monitor.Name == "" {
		monitor.Name = monitor.URL
	}
	monitor.ApplyDefaults()
	return monitor
}

type MonitorConfig struct {
	Users    []User        `yaml:"users"`
	Monitors []MonitorSeed `yaml:"monitors"`
}

func LoadMonitorConfig(path string) (MonitorConfig, error) {
	var config MonitorConfig
	monitorFile, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return MonitorConfig{}, fmt.Errorf("reading monitor file: %w", err)
	}
	if err := yaml.Unmarshal(monitorFile, &config); err != nil {
		return MonitorConfig{}, fmt.Errorf("unmarshaling monitor file: %w", err)
	}
	return config, nil
}

// Validate reports every invalid monitor at once.
func (c MonitorConfig) Validate() error {
	var errs []error
	users := make(map[string]bool, len(c.Users))
	for _, user := range c.Users {
		if user.ID == "" {
			errs = append(errs, errors.New("user without id"))
			continue
		}
		users[user.ID] = true
	}
	ids := make(map[string]bool, len(c.Monitors))
	for i, seed := range c.Monitors {
		monitor := seed.Monitor()
		if err := monitor.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("monitor #%d (%s): %w", i, seed.ID, err))
			continue
		}
		if ids[monitor.ID] {
			errs = append(errs, fmt.Errorf("monitor #%d: duplicate id %s", i, monitor.ID))
		}
		ids[monitor.ID] = true
		if !users[monitor.OwnerID] {
			errs = append(errs, fmt.Errorf("monitor #%d (%s): unknown owner %s", i, monitor.ID, monitor.OwnerID))
		}
	}
	return errors.Join(errs...)
}

type Seeder interface {
	UpsertUser(ctx context.Context, user User) error
	SeedMonitor(ctx context.Context, monitor Monitor) error
}

// Seed validates the configuration and upserts its users and monitors.
func (c MonitorConfig) Seed(ctx context.Context, seeder Seeder) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, user := range c.Users {
		if err := seeder.UpsertUser(ctx, user); err != nil {
			return err
		}
	}
	for _, seed := range c.Monitors {
		if err := seeder.SeedMonitor(ctx, seed.Monitor()); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "seeded monitors", slog.Int("users", len(c.Users)), slog.Int("monitors", len(c.Monitors)))
	return nil
}
