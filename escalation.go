package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
	ChannelWebhook Channel = "webhook"
)

// EscalationLevel fires once per downtime episode after the monitor has been
// down for at least Delay.
type EscalationLevel struct {
	Level    int           `yaml:"level" json:"level"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
	Channels []Channel     `yaml:"channels" json:"channels"`
	Message  string        `yaml:"message" json:"message"`
}

// criticalEscalationLevel and above mark the outage incident as critical.
const criticalEscalationLevel = 3

const DefaultEscalationMarkerTTL = 24 * time.Hour

func DefaultEscalationLevels() []EscalationLevel {
	return []EscalationLevel{
		{
			Level:    1,
			Delay:    0,
			Channels: []Channel{ChannelEmail, ChannelSlack},
			Message:  "Service is DOWN",
		},
		{
			Level:    2,
			Delay:    15 * time.Minute,
			Channels: []Channel{ChannelEmail, ChannelSlack, ChannelDiscord},
			Message:  "URGENT: Service still DOWN after 15 minutes",
		},
		{
			Level:    3,
			Delay:    60 * time.Minute,
			Channels: []Channel{ChannelEmail, ChannelSlack, ChannelDiscord},
			Message:  "CRITICAL: Service DOWN for over 1 hour",
		},
		{
			Level:    4,
			Delay:    240 * time.Minute,
			Channels: []Channel{ChannelEmail, ChannelSlack, ChannelDiscord},
			Message:  "EMERGENCY: Service DOWN for over 4 hours",
		},
	}
}

// EscalationMarker records that a level fired for one downtime episode,
// identified by the monitor's LastDowntimeAt.
type EscalationMarker struct {
	MonitorID    string
	Level        int
	EpisodeStart time.Time
	FiredAt      time.Time
}

type escalationKey struct {
	monitorID string
	level     int
}

type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert Alert, targets []DeliveryTarget) []DeliveryResult
}

type SeverityEscalator interface {
	EscalateSeverity(ctx context.Context, monitorID string, severity IncidentSeverity) error
}

type EscalationEngine struct {
	levels       []EscalationLevel
	monitors     MonitorRepository
	destinations DestinationLookup
	dispatcher   AlertDispatcher
	store        EscalationStore
	incidents    SeverityEscalator
	markerTTL    time.Duration
	now          func() time.Time

	mu      sync.Mutex
	markers map[escalationKey]EscalationMarker
	// cleared holds the time each monitor was last cleared. Episodes that
	// started before it can no longer fire.
	cleared map[string]time.Time
}

type EscalationEngineOptions struct {
	Levels       []EscalationLevel
	Monitors     MonitorRepository
	Destinations DestinationLookup
	Dispatcher   AlertDispatcher
	// Store is optional. Without it, markers live in memory only.
	Store EscalationStore
	// Incidents is optional.
	Incidents SeverityEscalator
	MarkerTTL time.Duration
}

func NewEscalationEngine(options EscalationEngineOptions) *EscalationEngine {
	levels := slices.Clone(options.Levels)
	if len(levels) == 0 {
		levels = DefaultEscalationLevels()
	}
	slices.SortStableFunc(levels, func(a, b EscalationLevel) int {
		return cmp.Compare(a.Delay, b.Delay)
	})
	if options.MarkerTTL <= 0 {
		options.MarkerTTL = DefaultEscalationMarkerTTL
	}

	return &EscalationEngine{
		levels:       levels,
		monitors:     options.Monitors,
		destinations: options.Destinations,
		dispatcher:   options.Dispatcher,
		store:        options.Store,
		incidents:    options.Incidents,
		markerTTL:    options.MarkerTTL,
		now:          nowUTC,
		markers:      make(map[escalationKey]EscalationMarker),
		cleared:      make(map[string]time.Time),
	}
}

type EscalationReport struct {
	Evaluated int
	Fired     int
	Swept     int
}

// Tick sweeps expired markers and evaluates every active monitor that is down.
func (e *EscalationEngine) Tick(ctx context.Context) (EscalationReport, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Escalation Tick"))
	ctx = span.Context()
	defer span.Finish()

	var report EscalationReport
	report.Swept = e.sweep(e.now())

	monitors, err := e.monitors.FindActiveDown(ctx)
	if err != nil {
		return report, fmt.Errorf("finding down monitors: %w", err)
	}

	for _, listed := range monitors {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// Earlier evaluations dispatch synchronously, so the listing may be stale
		// by now.
		monitor, err := e.monitors.GetMonitor(ctx, listed.ID)
		if err != nil {
			if !errors.Is(err, ErrMonitorNotFound) {
				slog.ErrorContext(ctx, "reloading down monitor", slog.String("monitor_id", listed.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if monitor.Status != MonitorStatusDown || !monitor.Probeable() || !monitor.LastDowntimeAt.Valid {
			continue
		}
		report.Evaluated++
		report.Fired += len(e.Evaluate(ctx, monitor))
	}

	slog.InfoContext(ctx, "escalation tick completed",
		slog.Int("evaluated", report.Evaluated),
		slog.Int("fired", report.Fired),
		slog.Int("swept", report.Swept))
	return report, nil
}

// sweep drops in-memory markers older than the TTL.
func (e *EscalationEngine) sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var swept int
	for key, marker := range e.markers {
		if now.Sub(marker.FiredAt) >= e.markerTTL {
			delete(e.markers, key)
			swept++
		}
	}
	for monitorID, clearedAt := range e.cleared {
		if now.Sub(clearedAt) >= e.markerTTL {
			delete(e.cleared, monitorID)
		}
	}
	return swept
}

// Evaluate fires every level the monitor's current downtime has reached and
// that has not fired yet in this downtime episode. It returns the levels fired.
func (e *EscalationEngine) Evaluate(ctx context.Context, monitor Monitor) []int {
	if monitor.Status != MonitorStatusDown || !monitor.Probeable() {
		return nil
	}
	if !monitor.LastDowntimeAt.Valid {
		slog.WarnContext(ctx, "down monitor has no downtime start, skipping escalation", slog.String("monitor_id", monitor.ID))
		return nil
	}
	if !monitor.AlertSettings.Enabled {
		return nil
	}

	now := e.now()
	episodeStart := monitor.LastDowntimeAt.Time
	downtime, _ := monitor.DowntimeSince(now)

	var candidates []EscalationLevel
	for _, level := range e.levels {
		if downtime >= level.Delay && !e.firedInMemory(monitor.ID, level.Level, episodeStart) {
			candidates = append(candidates, level)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	destinations, err := e.destinations.NotificationDestinations(ctx, monitor.OwnerID)
	if err != nil {
		// Nothing is claimed, the next tick retries.
		slog.ErrorContext(ctx, "looking up notification destinations", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
		return nil
	}

	downtimeMinutes := int64(downtime / time.Minute)
	var fired []int
	for _, level := range candidates {
		if !e.claim(ctx, monitor.ID, level.Level, episodeStart, now) {
			continue
		}
		fired = append(fired, level.Level)

		alert := Alert{
			Kind:            AlertKindEscalation,
			MonitorID:       monitor.ID,
			MonitorName:     monitor.Name,
			URL:             monitor.URL,
			Status:          MonitorStatusDown,
			Headline:        fmt.Sprintf("%s (%dmin downtime)", level.Message, downtimeMinutes),
			Level:           level.Level,
			DowntimeMinutes: downtimeMinutes,
			ErrorMessage:    null.StringFrom(fmt.Sprintf("Service has been down for %d minutes", downtimeMinutes)),
			OccurredAt:      now,
		}
		e.dispatcher.Dispatch(ctx, alert, resolveTargets(monitor, destinations, level.Channels))
		slog.InfoContext(ctx, "escalation level fired", slog.String("monitor_id", monitor.ID), slog.Int("level", level.Level), slog.Int64("downtime_minutes", downtimeMinutes))

		if level.Level >= criticalEscalationLevel && e.incidents != nil {
			if err := e.incidents.EscalateSeverity(ctx, monitor.ID, IncidentSeverityCritical); err != nil {
				slog.ErrorContext(ctx, "escalating incident severity", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
			}
		}
	}
	return fired
}

func (e *EscalationEngine) firedInMemory(monitorID string, level int, episodeStart time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	marker, ok := e.markers[escalationKey{monitorID: monitorID, level: level}]
	return ok && marker.EpisodeStart.Equal(episodeStart)
}

// claim atomically records that level fires for this episode. It returns false
// when the level already fired, either in memory or according to the store, or
// when the monitor was cleared after the episode started.
func (e *EscalationEngine) claim(ctx context.Context, monitorID string, level int, episodeStart, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if clearedAt, ok := e.cleared[monitorID]; ok && !episodeStart.After(clearedAt) {
		slog.DebugContext(ctx, "episode was cleared, not escalating", slog.String("monitor_id", monitorID), slog.Int("level", level))
		return false
	}

	key := escalationKey{monitorID: monitorID, level: level}
	if marker, ok := e.markers[key]; ok && marker.EpisodeStart.Equal(episodeStart) {
		return false
	}

	marker := EscalationMarker{MonitorID: monitorID, Level: level, EpisodeStart: episodeStart, FiredAt: now}
	if e.store != nil {
		fired, err := e.store.HasFired(ctx, monitorID, level, episodeStart)
		if err != nil {
			slog.ErrorContext(ctx, "checking persisted escalation marker", slog.String("monitor_id", monitorID), slog.String("error", err.Error()))
			return false
		}
		if fired {
			e.markers[key] = marker
			return false
		}
		if err := e.store.MarkFired(ctx, marker); err != nil {
			slog.ErrorContext(ctx, "persisting escalation marker", slog.String("monitor_id", monitorID), slog.String("error", err.Error()))
		}
	}
	e.markers[key] = marker
	return true
}

// Clear forgets every marker of a monitor so the next downtime episode
// escalates from level 1 again. Episodes that started before the clear never
// fire afterwards.
func (e *EscalationEngine) Clear(ctx context.Context, monitorID string) {
	e.mu.Lock()
	e.cleared[monitorID] = e.now()
	for key := range e.markers {
		if key.monitorID == monitorID {
			delete(e.markers, key)
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.ClearMarkers(ctx, monitorID); err != nil {
			slog.ErrorContext(ctx, "clearing persisted escalation markers", slog.String("monitor_id", monitorID), slog.String("error", err.Error()))
		}
	}
}

// Restore loads persisted markers into memory.
func (e *EscalationEngine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	markers, err := e.store.LoadMarkers(ctx)
	if err != nil {
		return fmt.Errorf("loading escalation markers: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, marker := range markers {
		e.markers[escalationKey{monitorID: marker.MonitorID, level: marker.Level}] = marker
	}
	slog.InfoContext(ctx, "restored escalation markers", slog.Int("count", len(markers)))
	return nil
}
