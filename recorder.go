package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// StatusChange describes a committed health transition of a monitor.
type StatusChange struct {
	Monitor  Monitor
	Check    Check
	Previous MonitorStatus
	Current  MonitorStatus
	// Downtime is the length of the downtime episode closed by this change,
	// zero unless the monitor recovered.
	Downtime time.Duration
}

type TransitionHandler interface {
	HandleStatusChange(ctx context.Context, change StatusChange)
}

type RecordResult struct {
	Monitor  Monitor
	Check    Check
	Previous MonitorStatus
	Current  MonitorStatus
}

// CheckRecorder turns probe outcomes into check records and monitor health
// transitions.
type CheckRecorder struct {
	store    RecordStore
	location Location
	onChange TransitionHandler
	now      func() time.Time
}

func NewCheckRecorder(store RecordStore, location Location, onChange TransitionHandler) *CheckRecorder {
	return &CheckRecorder{
		store:    store,
		location: location,
		onChange: onChange,
		now:      nowUTC,
	}
}

// Record persists outcome as a check and applies the resulting transition to
// the monitor in one transaction. The caller's monitor is never modified; on
// error nothing was persisted.
func (r *CheckRecorder) Record(ctx context.Context, monitor Monitor, outcome ProbeOutcome) (RecordResult, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Record Check"))
	ctx = span.Context()
	defer span.Finish()

	now := r.now()
	check := Check{
		ID:              uuid.NewString(),
		MonitorID:       monitor.ID,
		Success:         outcome.Success,
		LatencyMs:       max(outcome.LatencyMs, 0),
		StatusCode:      outcome.StatusCode,
		ErrorMessage:    outcome.ErrorMessage,
		Location:        r.location,
		ResponseHeaders: outcome.ResponseHeaders,
		Timings:         outcome.Timings,
		CheckedAt:       now,
	}

	updated := monitor
	var downtime time.Duration
	if outcome.Success {
		if since, ok := updated.DowntimeSince(now); ok {
			downtime = since
		}
		updated.closeDowntime(now)
		updated.Status = MonitorStatusUp
	} else {
		updated.Status = MonitorStatusDown
		if !updated.LastDowntimeAt.Valid {
			updated.LastDowntimeAt.SetValid(now)
		}
	}
	updated.LastCheckAt.SetValid(now)

	saved, err := r.store.RecordCheck(ctx, check, updated)
	if err != nil {
		return RecordResult{}, fmt.Errorf("recording check for monitor %s: %w", monitor.ID, err)
	}

	result := RecordResult{
		Monitor:  saved,
		Check:    check,
		Previous: monitor.Status,
		Current:  saved.Status,
	}
	if result.Previous != result.Current && r.onChange != nil {
		r.onChange.HandleStatusChange(ctx, StatusChange{
			Monitor:  saved,
			Check:    check,
			Previous: result.Previous,
			Current:  result.Current,
			Downtime: downtime,
		})
	}
	return result, nil
}
