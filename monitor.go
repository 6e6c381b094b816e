package main

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/guregu/null/v5"
)

type MonitorStatus string

const (
	MonitorStatusPending MonitorStatus = "pending"
	MonitorStatusUp      MonitorStatus = "up"
	MonitorStatusDown    MonitorStatus = "down"
	MonitorStatusPaused  MonitorStatus = "paused"
)

const (
	MinIntervalSeconds     = 30
	MaxIntervalSeconds     = 3600
	DefaultIntervalSeconds = 300

	MinTimeoutSeconds     = 5
	MaxTimeoutSeconds     = 120
	DefaultTimeoutSeconds = 30

	DefaultExpectedStatusCode = 200
)

var allowedMethods = []string{"GET", "POST", "DELETE", "HEAD"}

// ErrInvalidMonitor is returned when a monitor definition falls outside the accepted bounds.
var ErrInvalidMonitor = errors.New("invalid monitor")

// ErrMonitorNotFound is returned when no monitor exists for the given ID.
var ErrMonitorNotFound = errors.New("monitor not found")

// ErrMonitorVersionConflict is returned when a monitor was saved by someone else
// between our read and our write.
var ErrMonitorVersionConflict = errors.New("monitor version conflict")

// ErrMonitorNotProbeable is returned when a probe is requested for a paused or inactive monitor.
var ErrMonitorNotProbeable = errors.New("monitor is paused or inactive")

type Header struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value" json:"value"`
}

type AlertSettings struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Email          bool   `yaml:"email" json:"email"`
	SlackWebhook   string `yaml:"slack_webhook" json:"slack_webhook,omitempty"`
	DiscordWebhook string `yaml:"discord_webhook" json:"discord_webhook,omitempty"`
}

// Monitor is a user's probe target together with its live health state.
// The live fields (Status, LastCheckAt, LastDowntimeAt, TotalDowntimeMinutes)
// are only mutated through CheckRecorder and the Scheduler lifecycle methods.
type Monitor struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"owner_id"`
	Name               string        `json:"name"`
	URL                string        `json:"url"`
	Method             string        `json:"method"`
	IntervalSeconds    int           `json:"interval_seconds"`
	TimeoutSeconds     int           `json:"timeout_seconds"`
	ExpectedStatusCode int           `json:"expected_status_code"`
	Headers            []Header      `json:"headers"`
	AlertSettings      AlertSettings `json:"alert_settings"`

	Status               MonitorStatus `json:"status"`
	Active               bool          `json:"active"`
	LastCheckAt          null.Time     `json:"last_check_at"`
	LastDowntimeAt       null.Time     `json:"last_downtime_at"`
	TotalDowntimeMinutes int64         `json:"total_downtime_minutes"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Probeable reports whether the monitor may be probed or escalated at all.
func (m Monitor) Probeable() bool {
	return m.Active && m.Status != MonitorStatusPaused
}

// IsDue reports whether a scheduled probe should run at now. A monitor that
// was never checked is always due.
func (m Monitor) IsDue(now time.Time) bool {
	if !m.Probeable() {
		return false
	}
	if !m.LastCheckAt.Valid {
		return true
	}
	return !now.Before(m.LastCheckAt.Time.Add(m.Interval()))
}

func (m Monitor) ProbeTarget() ProbeTarget {
	return ProbeTarget{
		URL:                m.URL,
		Method:             m.Method,
		Timeout:            m.Timeout(),
		ExpectedStatusCode: m.ExpectedStatusCode,
		Headers:            m.Headers,
	}
}

// ApplyDefaults fills zero-valued configuration fields.
func (m *Monitor) ApplyDefaults() {
	if m.Method == "" {
		m.Method = "GET"
	}
	if m.IntervalSeconds == 0 {
		m.IntervalSeconds = DefaultIntervalSeconds
	}
	if m.TimeoutSeconds == 0 {
		m.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if m.ExpectedStatusCode == 0 {
		m.ExpectedStatusCode = DefaultExpectedStatusCode
	}
	if m.Status == "" {
		m.Status = MonitorStatusPending
	}
}

func (m Monitor) Validate() error {
	if m.ID == "" || m.OwnerID == "" {
		return fmt.Errorf("%w: id and owner are required", ErrInvalidMonitor)
	}
	parsed, err := url.Parse(m.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: malformed url %q", ErrInvalidMonitor, m.URL)
	}
	if !slices.Contains(allowedMethods, m.Method) {
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidMonitor, m.Method)
	}
	if m.IntervalSeconds < MinIntervalSeconds || m.IntervalSeconds > MaxIntervalSeconds {
		return fmt.Errorf("%w: interval %ds outside %d..%d", ErrInvalidMonitor, m.IntervalSeconds, MinIntervalSeconds, MaxIntervalSeconds)
	}
	if m.TimeoutSeconds < MinTimeoutSeconds || m.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("%w: timeout %ds outside %d..%d", ErrInvalidMonitor, m.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if m.ExpectedStatusCode < 100 || m.ExpectedStatusCode > 599 {
		return fmt.Errorf("%w: expected status code %d", ErrInvalidMonitor, m.ExpectedStatusCode)
	}
	return nil
}

// closeDowntime ends the current downtime episode, if any, folding its
// elapsed whole minutes into the cumulative total.
func (m *Monitor) closeDowntime(now time.Time) {
	if !m.LastDowntimeAt.Valid {
		return
	}
	elapsed := now.Sub(m.LastDowntimeAt.Time)
	if elapsed > 0 {
		m.TotalDowntimeMinutes += int64(elapsed / time.Minute)
	}
	m.LastDowntimeAt = null.Time{}
}

// DowntimeSince returns how long the monitor has been down at now, and false
// when there is no open downtime episode.
func (m Monitor) DowntimeSince(now time.Time) (time.Duration, bool) {
	if !m.LastDowntimeAt.Valid {
		return 0, false
	}
	return now.Sub(m.LastDowntimeAt.Time), true
}

// nowUTC truncates to microseconds, the precision DuckDB stores timestamps at.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
