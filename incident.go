package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
)

type IncidentStatus string

const (
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusIdentified    IncidentStatus = "identified"
	IncidentStatusMonitoring    IncidentStatus = "monitoring"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

type IncidentSeverity string

const (
	IncidentSeverityMinor    IncidentSeverity = "minor"
	IncidentSeverityMajor    IncidentSeverity = "major"
	IncidentSeverityCritical IncidentSeverity = "critical"
)

func (s IncidentSeverity) rank() int {
	switch s {
	case IncidentSeverityMinor:
		return 1
	case IncidentSeverityMajor:
		return 2
	case IncidentSeverityCritical:
		return 3
	default:
		return 0
	}
}

// ErrIncidentNotFound is returned when no incident exists for the given ID.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrIncidentResolved is returned when an update is appended to a resolved incident.
var ErrIncidentResolved = errors.New("incident already resolved")

// ErrInvalidIncident is returned for incidents or updates with missing or unknown fields.
var ErrInvalidIncident = errors.New("invalid incident")

type IncidentUpdate struct {
	Status    IncidentStatus `json:"status"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

type Incident struct {
	ID          string           `json:"id"`
	MonitorID   string           `json:"monitor_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Status      IncidentStatus   `json:"status"`
	Severity    IncidentSeverity `json:"severity"`
	AutoCreated bool             `json:"auto_created"`
	StartedAt   time.Time        `json:"started_at"`
	ResolvedAt  null.Time        `json:"resolved_at"`
	Updates     []IncidentUpdate `json:"updates"`
}

// AddUpdate returns a copy of the incident with the update appended.
func (i Incident) AddUpdate(status IncidentStatus, message string, at time.Time) (Incident, IncidentUpdate, error) {
	if i.Status == IncidentStatusResolved {
		return i, IncidentUpdate{}, ErrIncidentResolved
	}
	if !validIncidentStatus(status) {
		return i, IncidentUpdate{}, fmt.Errorf("%w: unknown status %q", ErrInvalidIncident, status)
	}
	if message == "" {
		return i, IncidentUpdate{}, fmt.Errorf("%w: update message is required", ErrInvalidIncident)
	}

	update := IncidentUpdate{Status: status, Message: message, CreatedAt: at}
	i.Updates = append(slices.Clone(i.Updates), update)
	i.Status = status
	if status == IncidentStatusResolved {
		i.ResolvedAt = null.TimeFrom(at)
	}
	return i, update, nil
}

func validIncidentStatus(status IncidentStatus) bool {
	switch status {
	case IncidentStatusInvestigating, IncidentStatusIdentified, IncidentStatusMonitoring, IncidentStatusResolved:
		return true
	}
	return false
}

// IncidentTracker keeps incidents in step with monitor health. Outages open,
// escalate and resolve auto-created incidents; operators create and update
// incidents manually through the control server.
type IncidentTracker struct {
	repository IncidentRepository
	now        func() time.Time
}

func NewIncidentTracker(repository IncidentRepository) *IncidentTracker {
	return &IncidentTracker{repository: repository, now: nowUTC}
}

// OpenForOutage opens an auto-created incident for a monitor that went down,
// unless one is already open.
func (t *IncidentTracker) OpenForOutage(ctx context.Context, monitor Monitor, reason string) (Incident, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Open Outage Incident"))
	ctx = span.Context()
	defer span.Finish()

	existing, ok, err := t.repository.FindOpenAutoIncident(ctx, monitor.ID)
	if err != nil {
		return Incident{}, fmt.Errorf("finding open incident: %w", err)
	}
	if ok {
		return existing, nil
	}

	now := t.now()
	startedAt := now
	if monitor.LastDowntimeAt.Valid {
		startedAt = monitor.LastDowntimeAt.Time
	}
	if reason == "" {
		reason = "Monitor check failed"
	}

	incident := Incident{
		ID:          uuid.NewString(),
		MonitorID:   monitor.ID,
		Title:       fmt.Sprintf("%s is down", monitor.Name),
		Description: reason,
		Status:      IncidentStatusInvestigating,
		Severity:    IncidentSeverityMajor,
		AutoCreated: true,
		StartedAt:   startedAt,
		Updates: []IncidentUpdate{{
			Status:    IncidentStatusInvestigating,
			Message:   fmt.Sprintf("%s is not responding as expected: %s", monitor.URL, reason),
			CreatedAt: now,
		}},
	}
	if err := t.repository.CreateIncident(ctx, incident); err != nil {
		return Incident{}, fmt.Errorf("creating incident: %w", err)
	}

	slog.InfoContext(ctx, "opened outage incident", slog.String("monitor_id", monitor.ID), slog.String("incident_id", incident.ID))
	return incident, nil
}

// EscalateSeverity raises the severity of the open auto-created incident.
// Severity never decreases.
func (t *IncidentTracker) EscalateSeverity(ctx context.Context, monitorID string, severity IncidentSeverity) error {
	incident, ok, err := t.repository.FindOpenAutoIncident(ctx, monitorID)
	if err != nil {
		return fmt.Errorf("finding open incident: %w", err)
	}
	if !ok || severity.rank() <= incident.Severity.rank() {
		return nil
	}
	if err := t.repository.UpdateIncidentSeverity(ctx, incident.ID, severity); err != nil {
		return fmt.Errorf("updating incident severity: %w", err)
	}
	return nil
}

// ResolveOutage resolves the open auto-created incident of a recovered monitor.
func (t *IncidentTracker) ResolveOutage(ctx context.Context, monitorID string, downtime time.Duration) error {
	incident, ok, err := t.repository.FindOpenAutoIncident(ctx, monitorID)
	if err != nil {
		return fmt.Errorf("finding open incident: %w", err)
	}
	if !ok {
		return nil
	}

	message := fmt.Sprintf("Service recovered after %d minutes of downtime", int64(downtime/time.Minute))
	resolved, update, err := incident.AddUpdate(IncidentStatusResolved, message, t.now())
	if err != nil {
		return err
	}
	if err := t.repository.AppendIncidentUpdate(ctx, resolved, update); err != nil {
		return fmt.Errorf("resolving incident: %w", err)
	}
	return nil
}

// Create stores a manually reported incident.
func (t *IncidentTracker) Create(ctx context.Context, incident Incident) (Incident, error) {
	if incident.MonitorID == "" || incident.Title == "" {
		return Incident{}, fmt.Errorf("%w: monitor and title are required", ErrInvalidIncident)
	}
	if incident.Status == "" {
		incident.Status = IncidentStatusInvestigating
	}
	if !validIncidentStatus(incident.Status) || incident.Status == IncidentStatusResolved {
		return Incident{}, fmt.Errorf("%w: cannot open an incident as %q", ErrInvalidIncident, incident.Status)
	}
	if incident.Severity == "" {
		incident.Severity = IncidentSeverityMinor
	}
	if incident.Severity.rank() == 0 {
		return Incident{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, incident.Severity)
	}

	now := t.now()
	incident.ID = uuid.NewString()
	incident.AutoCreated = false
	if incident.StartedAt.IsZero() {
		incident.StartedAt = now
	}
	incident.ResolvedAt = null.Time{}
	incident.Updates = []IncidentUpdate{{Status: incident.Status, Message: incident.Title, CreatedAt: now}}

	if err := t.repository.CreateIncident(ctx, incident); err != nil {
		return Incident{}, fmt.Errorf("creating incident: %w", err)
	}
	return incident, nil
}

func (t *IncidentTracker) AddUpdate(ctx context.Context, incidentID string, status IncidentStatus, message string) (Incident, error) {
	incident, err := t.repository.GetIncident(ctx, incidentID)
	if err != nil {
		return Incident{}, err
	}
	updated, update, err := incident.AddUpdate(status, message, t.now())
	if err != nil {
		return Incident{}, err
	}
	if err := t.repository.AppendIncidentUpdate(ctx, updated, update); err != nil {
		return Incident{}, fmt.Errorf("appending incident update: %w", err)
	}
	return updated, nil
}

func (t *IncidentTracker) List(ctx context.Context, monitorID string) ([]Incident, error) {
	return t.repository.ListIncidents(ctx, monitorID)
}
