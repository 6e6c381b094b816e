package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guregu/null/v5"
)

type EscalationTrigger interface {
	Evaluate(ctx context.Context, monitor Monitor) []int
	Clear(ctx context.Context, monitorID string)
}

type OutageTracker interface {
	OpenForOutage(ctx context.Context, monitor Monitor, reason string) (Incident, error)
	ResolveOutage(ctx context.Context, monitorID string, downtime time.Duration) error
}

var recoveryChannels = []Channel{ChannelEmail, ChannelSlack, ChannelDiscord}

// AlertRouter reacts to monitor health transitions: it publishes realtime
// events, drives escalation and keeps outage incidents in sync.
type AlertRouter struct {
	publisher    EventPublisher
	escalation   EscalationTrigger
	incidents    OutageTracker
	destinations DestinationLookup
	dispatcher   AlertDispatcher
}

type AlertRouterOptions struct {
	Publisher    EventPublisher
	Escalation   EscalationTrigger
	Incidents    OutageTracker
	Destinations DestinationLookup
	Dispatcher   AlertDispatcher
}

func NewAlertRouter(options AlertRouterOptions) *AlertRouter {
	return &AlertRouter{
		publisher:    options.Publisher,
		escalation:   options.Escalation,
		incidents:    options.Incidents,
		destinations: options.Destinations,
		dispatcher:   options.Dispatcher,
	}
}

func (a *AlertRouter) HandleStatusChange(ctx context.Context, change StatusChange) {
	monitor := change.Monitor
	slog.InfoContext(ctx, "monitor status changed",
		slog.String("monitor_id", monitor.ID),
		slog.String("previous", string(change.Previous)),
		slog.String("current", string(change.Current)))

	a.publish(ctx, change)

	switch change.Current {
	case MonitorStatusDown:
		if a.incidents != nil {
			reason := "Monitor check failed"
			if change.Check.ErrorMessage.Valid {
				reason = change.Check.ErrorMessage.String
			}
			if _, err := a.incidents.OpenForOutage(ctx, monitor, reason); err != nil {
				slog.ErrorContext(ctx, "opening outage incident", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
			}
		}
		a.escalation.Evaluate(ctx, monitor)
	case MonitorStatusUp:
		if change.Previous != MonitorStatusDown {
			return
		}
		a.escalation.Clear(ctx, monitor.ID)
		a.sendRecovery(ctx, change)
		if a.incidents != nil {
			if err := a.incidents.ResolveOutage(ctx, monitor.ID, change.Downtime); err != nil {
				slog.ErrorContext(ctx, "resolving outage incident", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
			}
		}
	case MonitorStatusPaused:
		a.escalation.Clear(ctx, monitor.ID)
	}
}

func (a *AlertRouter) publish(ctx context.Context, change StatusChange) {
	if a.publisher == nil {
		return
	}
	event := StatusChangeEvent{
		MonitorID:      change.Monitor.ID,
		Name:           change.Monitor.Name,
		URL:            change.Monitor.URL,
		PreviousStatus: change.Previous,
		Status:         change.Current,
		ResponseTimeMs: change.Check.LatencyMs,
		StatusCode:     change.Check.StatusCode,
		ErrorMessage:   change.Check.ErrorMessage,
		CheckedAt:      change.Check.CheckedAt,
	}
	if event.CheckedAt.IsZero() {
		event.CheckedAt = change.Monitor.UpdatedAt
	}
	a.publisher.Publish(ctx, userTopic(change.Monitor.OwnerID), EventMonitorStatusChange, event)
	a.publisher.Publish(ctx, monitorTopic(change.Monitor.ID), EventStatusUpdate, event)
}

func (a *AlertRouter) sendRecovery(ctx context.Context, change StatusChange) {
	monitor := change.Monitor
	if !monitor.AlertSettings.Enabled {
		return
	}
	destinations, err := a.destinations.NotificationDestinations(ctx, monitor.OwnerID)
	if err != nil {
		slog.ErrorContext(ctx, "looking up notification destinations", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
		return
	}

	downtimeMinutes := int64(change.Downtime / time.Minute)
	alert := Alert{
		Kind:            AlertKindRecovery,
		MonitorID:       monitor.ID,
		MonitorName:     monitor.Name,
		URL:             monitor.URL,
		Status:          MonitorStatusUp,
		Headline:        fmt.Sprintf("Service is back UP after %dmin downtime", downtimeMinutes),
		DowntimeMinutes: downtimeMinutes,
		ResponseTimeMs:  null.IntFrom(change.Check.LatencyMs),
		OccurredAt:      change.Check.CheckedAt,
	}
	a.dispatcher.Dispatch(ctx, alert, resolveTargets(monitor, destinations, recoveryChannels))
}
