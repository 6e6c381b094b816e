package main

import (
	"context"
	"time"
)

// MonitorRepository loads and saves monitors. SaveMonitor is an optimistic
// write: it fails with ErrMonitorVersionConflict when the stored version
// differs from monitor.Version, and returns the monitor with its new version.
type MonitorRepository interface {
	FindDueForProbe(ctx context.Context, now time.Time) ([]Monitor, error)
	FindActiveDown(ctx context.Context) ([]Monitor, error)
	GetMonitor(ctx context.Context, id string) (Monitor, error)
	CreateMonitor(ctx context.Context, monitor Monitor) (Monitor, error)
	SaveMonitor(ctx context.Context, monitor Monitor) (Monitor, error)
	// DeleteMonitor removes the monitor together with its checks, incidents
	// and escalation markers.
	DeleteMonitor(ctx context.Context, id string) error
}

type CheckRepository interface {
	AppendCheck(ctx context.Context, check Check) error
	ListChecks(ctx context.Context, monitorID string, limit int) ([]Check, error)
	UptimeSummary(ctx context.Context, monitorID string, since time.Time) (UptimeSummary, error)
}

// RecordStore appends a check and saves the monitor atomically.
type RecordStore interface {
	RecordCheck(ctx context.Context, check Check, monitor Monitor) (Monitor, error)
}

type User struct {
	ID             string `yaml:"id" json:"id"`
	Email          string `yaml:"email" json:"email"`
	Name           string `yaml:"name" json:"name"`
	SlackWebhook   string `yaml:"slack_webhook" json:"slack_webhook,omitempty"`
	DiscordWebhook string `yaml:"discord_webhook" json:"discord_webhook,omitempty"`
}

// Destinations are the owner-level notification addresses of a monitor.
type Destinations struct {
	Email          string
	Name           string
	SlackWebhook   string
	DiscordWebhook string
}

type DestinationLookup interface {
	NotificationDestinations(ctx context.Context, ownerID string) (Destinations, error)
}

type IncidentRepository interface {
	CreateIncident(ctx context.Context, incident Incident) error
	GetIncident(ctx context.Context, id string) (Incident, error)
	// FindOpenAutoIncident returns the unresolved auto-created incident of a
	// monitor, if there is one.
	FindOpenAutoIncident(ctx context.Context, monitorID string) (Incident, bool, error)
	// AppendIncidentUpdate stores update and moves the incident to its status.
	AppendIncidentUpdate(ctx context.Context, incident Incident, update IncidentUpdate) error
	UpdateIncidentSeverity(ctx context.Context, id string, severity IncidentSeverity) error
	ListIncidents(ctx context.Context, monitorID string) ([]Incident, error)
}

// EscalationStore mirrors fired escalation markers so they survive restarts.
type EscalationStore interface {
	LoadMarkers(ctx context.Context) ([]EscalationMarker, error)
	HasFired(ctx context.Context, monitorID string, level int, episodeStart time.Time) (bool, error)
	MarkFired(ctx context.Context, marker EscalationMarker) error
	ClearMarkers(ctx context.Context, monitorID string) error
}
