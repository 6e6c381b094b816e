package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const DefaultMaxConcurrency = 10

type Recorder interface {
	Record(ctx context.Context, monitor Monitor, outcome ProbeOutcome) (RecordResult, error)
}

// Scheduler decides which monitors are due and probes them. At most one probe
// per monitor is in flight at any time, and the total number of concurrent
// probes is capped.
type Scheduler struct {
	monitors   MonitorRepository
	prober     ProbeExecutor
	recorder   Recorder
	escalation EscalationTrigger
	onChange   TransitionHandler
	semaphore  *semaphore.Weighted
	locks      sync.Map
	flight     singleflight.Group
	now        func() time.Time
}

type SchedulerOptions struct {
	Monitors MonitorRepository
	Prober   ProbeExecutor
	Recorder Recorder
	// Escalation is cleared when a monitor is paused or deleted. Optional.
	Escalation EscalationTrigger
	// OnChange receives pause and resume transitions. Optional.
	OnChange       TransitionHandler
	MaxConcurrency int64
}

func NewScheduler(options SchedulerOptions) *Scheduler {
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{
		monitors:   options.Monitors,
		prober:     options.Prober,
		recorder:   options.Recorder,
		escalation: options.Escalation,
		onChange:   options.OnChange,
		semaphore:  semaphore.NewWeighted(options.MaxConcurrency),
		now:        nowUTC,
	}
}

type TickReport struct {
	Due        int
	Dispatched int
	Skipped    int
	Failed     int
}

func (s *Scheduler) lockFor(monitorID string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(monitorID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub().Clone()
}

type probeState int

const (
	probeSkipped probeState = iota
	probeRecorded
)

// Tick probes every monitor that is due. A monitor whose previous probe is
// still running is skipped until the next tick. Failures are isolated per
// monitor and never abort the tick.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Perform Monitor Checks"))
	ctx = span.Context()
	defer span.Finish()

	due, err := s.monitors.FindDueForProbe(ctx, s.now())
	if err != nil {
		hubFromContext(ctx).CaptureException(err)
		return TickReport{}, fmt.Errorf("finding due monitors: %w", err)
	}

	report := TickReport{Due: len(due)}
	var dispatched, skipped, failed atomic.Int64

	wg := sync.WaitGroup{}
	for _, monitor := range due {
		lock := s.lockFor(monitor.ID)
		if !lock.TryLock() {
			slog.DebugContext(ctx, "previous probe still in flight, skipping", slog.String("monitor_id", monitor.ID))
			skipped.Add(1)
			continue
		}

		wg.Go(func() {
			defer lock.Unlock()

			probeStart := time.Now()
			result, err := s.probeIsolated(ctx, monitor.ID, true)
			if err != nil {
				failed.Add(1)
				slog.ErrorContext(ctx, "performing monitor check", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
				hubFromContext(ctx).CaptureException(err)
				return
			}
			if result.probed == probeSkipped {
				skipped.Add(1)
				return
			}
			dispatched.Add(1)
			slog.DebugContext(ctx, "completed monitor check", slog.String("monitor_id", monitor.ID), slog.Duration("duration", time.Since(probeStart)))
		})
	}
	wg.Wait()

	report.Dispatched = int(dispatched.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	slog.InfoContext(ctx, "probe tick completed",
		slog.Int("due", report.Due),
		slog.Int("dispatched", report.Dispatched),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, nil
}

type probeAttempt struct {
	probed probeState
	record RecordResult
}

// probeIsolated runs probe, turning a panic into an error. The caller must
// hold the monitor lock.
func (s *Scheduler) probeIsolated(ctx context.Context, monitorID string, requireDue bool) (attempt probeAttempt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while probing monitor %s: %v", monitorID, r)
		}
	}()
	return s.probe(ctx, monitorID, requireDue)
}

func (s *Scheduler) probe(ctx context.Context, monitorID string, requireDue bool) (probeAttempt, error) {
	// Reload under the lock, the monitor may have been paused or probed since
	// it was listed.
	monitor, err := s.monitors.GetMonitor(ctx, monitorID)
	if err != nil {
		if errors.Is(err, ErrMonitorNotFound) && requireDue {
			return probeAttempt{probed: probeSkipped}, nil
		}
		return probeAttempt{}, err
	}
	if !monitor.Probeable() {
		if requireDue {
			return probeAttempt{probed: probeSkipped}, nil
		}
		return probeAttempt{}, fmt.Errorf("%w: %s", ErrMonitorNotProbeable, monitorID)
	}
	if requireDue && !monitor.IsDue(s.now()) {
		return probeAttempt{probed: probeSkipped}, nil
	}

	outcome, err := s.execute(ctx, monitor)
	if err != nil {
		return probeAttempt{}, err
	}
	// Alert delivery for the transition runs inside Record and must not hold a
	// probe slot.
	record, err := s.recorder.Record(ctx, monitor, outcome)
	if err != nil {
		return probeAttempt{}, err
	}
	return probeAttempt{probed: probeRecorded, record: record}, nil
}

// execute runs the HTTP probe while holding one of the concurrency slots.
func (s *Scheduler) execute(ctx context.Context, monitor Monitor) (ProbeOutcome, error) {
	if err := s.semaphore.Acquire(ctx, 1); err != nil {
		return ProbeOutcome{}, fmt.Errorf("acquiring semaphore: %w", err)
	}
	defer s.semaphore.Release(1)
	return s.prober.Execute(ctx, monitor.ProbeTarget()), nil
}

// ProbeNow probes a monitor immediately, outside of the schedule. It waits for
// an in-flight probe of the same monitor to finish first. Concurrent calls for
// one monitor share a single probe.
func (s *Scheduler) ProbeNow(ctx context.Context, monitorID string) (RecordResult, error) {
	value, err, _ := s.flight.Do(monitorID, func() (any, error) {
		lock := s.lockFor(monitorID)
		lock.Lock()
		defer lock.Unlock()

		attempt, err := s.probeIsolated(ctx, monitorID, false)
		if err != nil {
			return RecordResult{}, err
		}
		return attempt.record, nil
	})
	if err != nil {
		return RecordResult{}, err
	}
	return value.(RecordResult), nil
}

// Pause stops probing and escalation for a monitor. An open downtime episode
// is closed and its minutes counted.
func (s *Scheduler) Pause(ctx context.Context, monitorID string) (Monitor, error) {
	lock := s.lockFor(monitorID)
	lock.Lock()
	defer lock.Unlock()

	monitor, err := s.monitors.GetMonitor(ctx, monitorID)
	if err != nil {
		return Monitor{}, err
	}
	if monitor.Status == MonitorStatusPaused {
		return monitor, nil
	}

	previous := monitor.Status
	monitor.closeDowntime(s.now())
	monitor.Status = MonitorStatusPaused
	saved, err := s.monitors.SaveMonitor(ctx, monitor)
	if err != nil {
		return Monitor{}, fmt.Errorf("pausing monitor: %w", err)
	}

	if s.escalation != nil {
		s.escalation.Clear(ctx, monitorID)
	}
	if s.onChange != nil {
		s.onChange.HandleStatusChange(ctx, StatusChange{Monitor: saved, Previous: previous, Current: MonitorStatusPaused})
	}
	return saved, nil
}

// Resume returns a paused monitor to pending and probes it right away.
func (s *Scheduler) Resume(ctx context.Context, monitorID string) (RecordResult, error) {
	lock := s.lockFor(monitorID)
	lock.Lock()

	monitor, err := s.monitors.GetMonitor(ctx, monitorID)
	if err != nil {
		lock.Unlock()
		return RecordResult{}, err
	}
	if monitor.Status == MonitorStatusPaused {
		monitor.Status = MonitorStatusPending
		monitor.LastCheckAt = null.Time{}
		monitor.LastDowntimeAt = null.Time{}
		saved, err := s.monitors.SaveMonitor(ctx, monitor)
		if err != nil {
			lock.Unlock()
			return RecordResult{}, fmt.Errorf("resuming monitor: %w", err)
		}
		if s.onChange != nil {
			s.onChange.HandleStatusChange(ctx, StatusChange{Monitor: saved, Previous: MonitorStatusPaused, Current: MonitorStatusPending})
		}
	}
	lock.Unlock()

	return s.ProbeNow(ctx, monitorID)
}

// Delete removes a monitor with all of its history.
func (s *Scheduler) Delete(ctx context.Context, monitorID string) error {
	lock := s.lockFor(monitorID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.monitors.DeleteMonitor(ctx, monitorID); err != nil {
		return err
	}
	if s.escalation != nil {
		s.escalation.Clear(ctx, monitorID)
	}
	// The lock stays in s.locks: callers blocked on it must keep excluding
	// later callers of the same ID.
	return nil
}
