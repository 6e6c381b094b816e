package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

// ErrNotifierNotConfigured is returned when an alert is routed to a channel
// that has no notifier, or whose notifier lacks the settings it needs.
var ErrNotifierNotConfigured = errors.New("notifier not configured")

// ErrNotifierRateLimited is returned when the downstream service rejected the
// delivery because of rate limiting.
var ErrNotifierRateLimited = errors.New("notifier rate limited")

// ErrNotifierDropped is returned when an alert could not be delivered, for
// example when a webhook answers with a non-2xx response.
var ErrNotifierDropped = errors.New("notifier message dropped")

type AlertKind string

const (
	AlertKindEscalation AlertKind = "escalation"
	AlertKindRecovery   AlertKind = "recovery"
)

// Alert is the channel-independent content of one notification.
type Alert struct {
	Kind            AlertKind     `json:"kind"`
	MonitorID       string        `json:"monitor_id"`
	MonitorName     string        `json:"monitor_name"`
	URL             string        `json:"url"`
	Status          MonitorStatus `json:"status"`
	Headline        string        `json:"headline"`
	Level           int           `json:"level,omitempty"`
	DowntimeMinutes int64         `json:"downtime_minutes"`
	ResponseTimeMs  null.Int      `json:"response_time_ms"`
	ErrorMessage    null.String   `json:"error_message"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

// Notifier delivers alerts over one channel.
type Notifier interface {
	Channel() Channel
	// Deliver sends alert to destination, which is an email address or a
	// webhook URL depending on the channel.
	Deliver(ctx context.Context, destination string, alert Alert) error
}

type DeliveryTarget struct {
	Channel     Channel
	Destination string
}

type DeliveryResult struct {
	Target DeliveryTarget
	Err    error
}

const DefaultDeliveryTimeout = 10 * time.Second

type Dispatcher struct {
	notifiers map[Channel]Notifier
	timeout   time.Duration
	broadcast []DeliveryTarget
}

type DispatcherOptions struct {
	Notifiers []Notifier
	// Timeout bounds each individual delivery.
	Timeout time.Duration
	// Broadcast targets receive every alert, in addition to the per-monitor
	// targets.
	Broadcast []DeliveryTarget
}

func NewDispatcher(options DispatcherOptions) *Dispatcher {
	if options.Timeout <= 0 {
		options.Timeout = DefaultDeliveryTimeout
	}
	notifiers := make(map[Channel]Notifier, len(options.Notifiers))
	for _, notifier := range options.Notifiers {
		notifiers[notifier.Channel()] = notifier
	}
	return &Dispatcher{
		notifiers: notifiers,
		timeout:   options.Timeout,
		broadcast: options.Broadcast,
	}
}

// Dispatch delivers alert to every target concurrently. Failures are logged
// and returned per target; one failing channel never affects another.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert, targets []DeliveryTarget) []DeliveryResult {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Dispatch Alert"))
	ctx = span.Context()
	defer span.Finish()

	all := make([]DeliveryTarget, 0, len(targets)+len(d.broadcast))
	all = append(all, targets...)
	all = append(all, d.broadcast...)

	results := make([]DeliveryResult, len(all))
	wg := sync.WaitGroup{}
	for i, target := range all {
		wg.Go(func() {
			results[i] = DeliveryResult{Target: target, Err: d.deliver(ctx, target, alert)}
		})
	}
	wg.Wait()

	for _, result := range results {
		if result.Err != nil {
			slog.ErrorContext(ctx, "delivering alert",
				slog.String("monitor_id", alert.MonitorID),
				slog.String("channel", string(result.Target.Channel)),
				slog.String("error", result.Err.Error()))
			continue
		}
		slog.InfoContext(ctx, "alert delivered",
			slog.String("monitor_id", alert.MonitorID),
			slog.String("channel", string(result.Target.Channel)),
			slog.String("kind", string(alert.Kind)))
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, target DeliveryTarget, alert Alert) (err error) {
	notifier, ok := d.notifiers[target.Channel]
	if !ok {
		return ErrNotifierNotConfigured
	}

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = ErrNotifierDropped
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return notifier.Deliver(ctx, target.Destination, alert)
}

// resolveTargets picks the delivery targets of a monitor's owner for the
// given channels. Email requires email alerts on the monitor and an owner
// address; chat channels require a webhook URL, with the monitor's URL taking
// precedence over the owner default.
func resolveTargets(monitor Monitor, destinations Destinations, channels []Channel) []DeliveryTarget {
	var targets []DeliveryTarget
	for _, channel := range channels {
		switch channel {
		case ChannelEmail:
			if monitor.AlertSettings.Email && destinations.Email != "" {
				targets = append(targets, DeliveryTarget{Channel: ChannelEmail, Destination: destinations.Email})
			}
		case ChannelSlack:
			if url := firstNonEmpty(monitor.AlertSettings.SlackWebhook, destinations.SlackWebhook); url != "" {
				targets = append(targets, DeliveryTarget{Channel: ChannelSlack, Destination: url})
			}
		case ChannelDiscord:
			if url := firstNonEmpty(monitor.AlertSettings.DiscordWebhook, destinations.DiscordWebhook); url != "" {
				targets = append(targets, DeliveryTarget{Channel: ChannelDiscord, Destination: url})
			}
		}
	}
	return targets
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
