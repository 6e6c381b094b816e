package main

import (
	"time"

	"github.com/guregu/null/v5"
)

// Location describes where a probe was issued from.
type Location struct {
	Name      string  `yaml:"name" json:"name" envconfig:"MONITORING_NAME" default:"Primary Server"`
	Region    string  `yaml:"region" json:"region" envconfig:"MONITORING_REGION" default:"us-east-1"`
	City      string  `yaml:"city" json:"city" envconfig:"MONITORING_CITY" default:"Unknown"`
	Country   string  `yaml:"country" json:"country" envconfig:"MONITORING_COUNTRY" default:"Unknown"`
	Latitude  float64 `yaml:"latitude" json:"latitude" envconfig:"MONITORING_LATITUDE"`
	Longitude float64 `yaml:"longitude" json:"longitude" envconfig:"MONITORING_LONGITUDE"`
}

// Check is an immutable record of one probe attempt.
type Check struct {
	ID              string            `json:"id"`
	MonitorID       string            `json:"monitor_id"`
	Success         bool              `json:"success"`
	LatencyMs       int64             `json:"latency_ms"`
	StatusCode      null.Int          `json:"status_code"`
	ErrorMessage    null.String       `json:"error_message"`
	Location        Location          `json:"location"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	Timings         ProbeTimings      `json:"timings"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// UptimeSummary aggregates the checks of one monitor over a period.
type UptimeSummary struct {
	MonitorID        string    `json:"monitor_id"`
	Since            time.Time `json:"since"`
	TotalChecks      int64     `json:"total_checks"`
	SuccessfulChecks int64     `json:"successful_checks"`
	UptimePercentage float64   `json:"uptime_percentage"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
}
