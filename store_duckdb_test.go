package main

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
)

func TestDuckDBStore_SaveMonitor(t *testing.T) {
	ctx := t.Context()
	store := NewDuckDBStore(db)
	monitor := createTestMonitor(t, store, nil)

	if monitor.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", monitor.Version)
	}

	loaded, err := store.GetMonitor(ctx, monitor.ID)
	if err != nil {
		t.Fatalf("failed to get monitor: %v", err)
	}
	if loaded.Status != MonitorStatusPending {
		t.Errorf("expected pending status, got %s", loaded.Status)
	}
	if !loaded.AlertSettings.Enabled || !loaded.AlertSettings.Email {
		t.Errorf("expected alert settings to round trip, got %+v", loaded.AlertSettings)
	}

	loaded.Status = MonitorStatusUp
	loaded.LastCheckAt = null.TimeFrom(nowUTC())
	saved, err := store.SaveMonitor(ctx, loaded)
	if err != nil {
		t.Fatalf("failed to save monitor: %v", err)
	}
	if saved.Version != 2 {
		t.Errorf("expected version 2 after save, got %d", saved.Version)
	}

	t.Run("stale version", func(t *testing.T) {
		_, err := store.SaveMonitor(ctx, loaded)
		if !errors.Is(err, ErrMonitorVersionConflict) {
			t.Errorf("expected version conflict, got %v", err)
		}
	})

	t.Run("unknown monitor", func(t *testing.T) {
		missing := saved
		missing.ID = "missing-" + uuid.NewString()
		_, err := store.SaveMonitor(ctx, missing)
		if !errors.Is(err, ErrMonitorNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("get unknown monitor", func(t *testing.T) {
		_, err := store.GetMonitor(ctx, "missing-"+uuid.NewString())
		if !errors.Is(err, ErrMonitorNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestDuckDBStore_CreateMonitorValidation(t *testing.T) {
	store := NewDuckDBStore(db)

	tests := []struct {
		name    string
		monitor Monitor
	}{
		{name: "interval too short", monitor: Monitor{OwnerID: "owner", URL: "https://example.com", IntervalSeconds: 10}},
		{name: "timeout too long", monitor: Monitor{OwnerID: "owner", URL: "https://example.com", TimeoutSeconds: 600}},
		{name: "unsupported scheme", monitor: Monitor{OwnerID: "owner", URL: "ftp://example.com"}},
		{name: "unsupported method", monitor: Monitor{OwnerID: "owner", URL: "https://example.com", Method: "PATCH"}},
		{name: "missing owner", monitor: Monitor{URL: "https://example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateMonitor(t.Context(), tt.monitor)
			if !errors.Is(err, ErrInvalidMonitor) {
				t.Errorf("expected invalid monitor error, got %v", err)
			}
		})
	}
}

func TestDuckDBStore_FindDueForProbe(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)
	now := nowUTC()

	neverChecked := createTestMonitor(t, store, nil)
	overdue := createTestMonitor(t, store, func(m *Monitor) {
		m.LastCheckAt = null.TimeFrom(now.Add(-2 * time.Minute))
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.LastCheckAt = null.TimeFrom(now.Add(-10 * time.Second))
	})
	exactlyDue := createTestMonitor(t, store, func(m *Monitor) {
		m.IntervalSeconds = 300
		m.LastCheckAt = null.TimeFrom(now.Add(-5 * time.Minute))
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.IntervalSeconds = 300
		m.LastCheckAt = null.TimeFrom(now.Add(-5*time.Minute + time.Second))
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.Status = MonitorStatusPaused
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.Active = false
	})

	due, err := store.FindDueForProbe(ctx, now)
	if err != nil {
		t.Fatalf("failed to find due monitors: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due monitors, got %d", len(due))
	}
	if due[0].ID != neverChecked.ID {
		t.Errorf("expected never checked monitor first, got %s", due[0].ID)
	}
	if due[1].ID != exactlyDue.ID {
		t.Errorf("expected the monitor at its interval boundary second, got %s", due[1].ID)
	}
	if due[2].ID != overdue.ID {
		t.Errorf("expected overdue monitor third, got %s", due[2].ID)
	}
	for _, monitor := range due {
		if !monitor.IsDue(now) {
			t.Errorf("listed monitor %s is not due", monitor.ID)
		}
	}
}

func TestDuckDBStore_FindActiveDown(t *testing.T) {
	store := newTestStore(t)

	down := createTestMonitor(t, store, func(m *Monitor) {
		m.Status = MonitorStatusDown
		m.LastDowntimeAt = null.TimeFrom(nowUTC())
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.Status = MonitorStatusDown
		m.Active = false
	})
	createTestMonitor(t, store, func(m *Monitor) {
		m.Status = MonitorStatusUp
	})

	monitors, err := store.FindActiveDown(t.Context())
	if err != nil {
		t.Fatalf("failed to find down monitors: %v", err)
	}
	if len(monitors) != 1 || monitors[0].ID != down.ID {
		t.Fatalf("expected only %s, got %+v", down.ID, monitors)
	}
}

func TestDuckDBStore_RecordCheck(t *testing.T) {
	ctx := t.Context()
	store := NewDuckDBStore(db)
	monitor := createTestMonitor(t, store, nil)
	start := nowUTC().Add(-time.Hour)

	results := []bool{true, true, false, true}
	current := monitor
	for i, success := range results {
		check := Check{
			ID:        uuid.NewString(),
			MonitorID: monitor.ID,
			Success:   success,
			LatencyMs: int64(100 * (i + 1)),
			CheckedAt: start.Add(time.Duration(i) * time.Minute),
		}
		if success {
			check.StatusCode = null.IntFrom(200)
		} else {
			check.ErrorMessage = null.StringFrom(ProbeErrorTimeout)
		}
		current.LastCheckAt = null.TimeFrom(check.CheckedAt)

		saved, err := store.RecordCheck(ctx, check, current)
		if err != nil {
			t.Fatalf("failed to record check %d: %v", i, err)
		}
		if saved.Version != current.Version+1 {
			t.Fatalf("expected version %d, got %d", current.Version+1, saved.Version)
		}
		current = saved
	}

	t.Run("list newest first", func(t *testing.T) {
		checks, err := store.ListChecks(ctx, monitor.ID, 2)
		if err != nil {
			t.Fatalf("failed to list checks: %v", err)
		}
		if len(checks) != 2 {
			t.Fatalf("expected 2 checks, got %d", len(checks))
		}
		if checks[0].LatencyMs != 400 || checks[1].LatencyMs != 300 {
			t.Errorf("expected latencies 400 and 300, got %d and %d", checks[0].LatencyMs, checks[1].LatencyMs)
		}
		if checks[1].Success || checks[1].ErrorMessage.String != ProbeErrorTimeout {
			t.Errorf("expected failed check with timeout message, got %+v", checks[1])
		}
	})

	t.Run("uptime summary", func(t *testing.T) {
		summary, err := store.UptimeSummary(ctx, monitor.ID, start.Add(-time.Minute))
		if err != nil {
			t.Fatalf("failed to summarize uptime: %v", err)
		}
		if summary.TotalChecks != 4 || summary.SuccessfulChecks != 3 {
			t.Errorf("expected 3 of 4 successful checks, got %d of %d", summary.SuccessfulChecks, summary.TotalChecks)
		}
		if summary.UptimePercentage != 75 {
			t.Errorf("expected 75%% uptime, got %v", summary.UptimePercentage)
		}
		if summary.AvgLatencyMs != 250 {
			t.Errorf("expected average latency 250, got %v", summary.AvgLatencyMs)
		}
	})

	t.Run("uptime summary without checks", func(t *testing.T) {
		summary, err := store.UptimeSummary(ctx, monitor.ID, nowUTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed to summarize uptime: %v", err)
		}
		if summary.TotalChecks != 0 || summary.UptimePercentage != 0 {
			t.Errorf("expected empty summary, got %+v", summary)
		}
	})

	t.Run("stale monitor rolls back the check", func(t *testing.T) {
		check := Check{ID: uuid.NewString(), MonitorID: monitor.ID, Success: true, CheckedAt: nowUTC()}
		_, err := store.RecordCheck(ctx, check, monitor)
		if !errors.Is(err, ErrMonitorVersionConflict) {
			t.Fatalf("expected version conflict, got %v", err)
		}
		checks, err := store.ListChecks(ctx, monitor.ID, 100)
		if err != nil {
			t.Fatalf("failed to list checks: %v", err)
		}
		if len(checks) != len(results) {
			t.Errorf("expected %d checks after rollback, got %d", len(results), len(checks))
		}
	})
}

func TestDuckDBStore_DeleteMonitor(t *testing.T) {
	ctx := t.Context()
	store := NewDuckDBStore(db)
	monitor := createTestMonitor(t, store, nil)
	now := nowUTC()

	if err := store.AppendCheck(ctx, Check{ID: uuid.NewString(), MonitorID: monitor.ID, Success: true, CheckedAt: now}); err != nil {
		t.Fatalf("failed to append check: %v", err)
	}
	incident := Incident{
		ID:        uuid.NewString(),
		MonitorID: monitor.ID,
		Title:     "Test Monitor is down",
		Status:    IncidentStatusInvestigating,
		Severity:  IncidentSeverityMajor,
		StartedAt: now,
		Updates:   []IncidentUpdate{{Status: IncidentStatusInvestigating, Message: "looking", CreatedAt: now}},
	}
	if err := store.CreateIncident(ctx, incident); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	if err := store.MarkFired(ctx, EscalationMarker{MonitorID: monitor.ID, Level: 1, EpisodeStart: now, FiredAt: now}); err != nil {
		t.Fatalf("failed to mark escalation: %v", err)
	}

	if err := store.DeleteMonitor(ctx, monitor.ID); err != nil {
		t.Fatalf("failed to delete monitor: %v", err)
	}

	if _, err := store.GetMonitor(ctx, monitor.ID); !errors.Is(err, ErrMonitorNotFound) {
		t.Errorf("expected monitor to be gone, got %v", err)
	}
	checks, err := store.ListChecks(ctx, monitor.ID, 100)
	if err != nil || len(checks) != 0 {
		t.Errorf("expected no checks, got %d (%v)", len(checks), err)
	}
	if _, err := store.GetIncident(ctx, incident.ID); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("expected incident to be gone, got %v", err)
	}
	var updates int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_updates WHERE incident_id = ?`, incident.ID).Scan(&updates); err != nil {
		t.Fatalf("failed to count incident updates: %v", err)
	}
	if updates != 0 {
		t.Errorf("expected no incident updates, got %d", updates)
	}
	fired, err := store.HasFired(ctx, monitor.ID, 1, now)
	if err != nil || fired {
		t.Errorf("expected escalation marker to be gone, got %v (%v)", fired, err)
	}

	if err := store.DeleteMonitor(ctx, monitor.ID); !errors.Is(err, ErrMonitorNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestDuckDBStore_SeedMonitor(t *testing.T) {
	ctx := t.Context()
	store := NewDuckDBStore(db)
	monitor := createTestMonitor(t, store, nil)

	downSince := nowUTC().Add(-5 * time.Minute)
	monitor.Status = MonitorStatusDown
	monitor.LastDowntimeAt = null.TimeFrom(downSince)
	live, err := store.SaveMonitor(ctx, monitor)
	if err != nil {
		t.Fatalf("failed to save monitor: %v", err)
	}

	seed := Monitor{
		ID:              monitor.ID,
		OwnerID:         monitor.OwnerID,
		Name:            "Renamed Monitor",
		URL:             "https://example.com/ready",
		IntervalSeconds: 120,
		Active:          true,
	}
	if err := store.SeedMonitor(ctx, seed); err != nil {
		t.Fatalf("failed to seed monitor: %v", err)
	}

	seeded, err := store.GetMonitor(ctx, monitor.ID)
	if err != nil {
		t.Fatalf("failed to get monitor: %v", err)
	}
	if seeded.Name != "Renamed Monitor" || seeded.URL != "https://example.com/ready" || seeded.IntervalSeconds != 120 {
		t.Errorf("expected configuration to be updated, got %+v", seeded)
	}
	if seeded.Status != MonitorStatusDown || !seeded.LastDowntimeAt.Valid || !seeded.LastDowntimeAt.Time.Equal(downSince) {
		t.Errorf("expected live state to be preserved, got status %s since %v", seeded.Status, seeded.LastDowntimeAt)
	}
	if seeded.Version != live.Version+1 {
		t.Errorf("expected version %d, got %d", live.Version+1, seeded.Version)
	}
}

func TestDuckDBStore_EscalationMarkers(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)
	episode := nowUTC().Add(-20 * time.Minute)

	for _, level := range []int{1, 2} {
		marker := EscalationMarker{MonitorID: "monitor-a", Level: level, EpisodeStart: episode, FiredAt: nowUTC()}
		if err := store.MarkFired(ctx, marker); err != nil {
			t.Fatalf("failed to mark level %d: %v", level, err)
		}
	}

	fired, err := store.HasFired(ctx, "monitor-a", 1, episode)
	if err != nil || !fired {
		t.Errorf("expected level 1 to have fired, got %v (%v)", fired, err)
	}
	fired, err = store.HasFired(ctx, "monitor-a", 1, episode.Add(time.Minute))
	if err != nil || fired {
		t.Errorf("expected a different episode not to have fired, got %v (%v)", fired, err)
	}

	newEpisode := episode.Add(time.Hour)
	if err := store.MarkFired(ctx, EscalationMarker{MonitorID: "monitor-a", Level: 1, EpisodeStart: newEpisode, FiredAt: nowUTC()}); err != nil {
		t.Fatalf("failed to replace marker: %v", err)
	}
	markers, err := store.LoadMarkers(ctx)
	if err != nil {
		t.Fatalf("failed to load markers: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(markers))
	}

	if err := store.ClearMarkers(ctx, "monitor-a"); err != nil {
		t.Fatalf("failed to clear markers: %v", err)
	}
	markers, err = store.LoadMarkers(ctx)
	if err != nil || len(markers) != 0 {
		t.Errorf("expected no markers after clear, got %d (%v)", len(markers), err)
	}
}

func TestDuckDBStore_NotificationDestinations(t *testing.T) {
	ctx := t.Context()
	store := NewDuckDBStore(db)
	ownerID := "owner-" + uuid.NewString()

	destinations, err := store.NotificationDestinations(ctx, ownerID)
	if err != nil {
		t.Fatalf("failed to look up unknown owner: %v", err)
	}
	if destinations != (Destinations{}) {
		t.Errorf("expected empty destinations, got %+v", destinations)
	}

	err = store.UpsertUser(ctx, User{ID: ownerID, Email: "ops@example.com", Name: "Ops", SlackWebhook: "https://hooks.slack.test/a"})
	if err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}
	err = store.UpsertUser(ctx, User{ID: ownerID, Email: "oncall@example.com", Name: "Ops", DiscordWebhook: "https://discord.test/b"})
	if err != nil {
		t.Fatalf("failed to update user: %v", err)
	}

	destinations, err = store.NotificationDestinations(ctx, ownerID)
	if err != nil {
		t.Fatalf("failed to look up owner: %v", err)
	}
	expected := Destinations{Email: "oncall@example.com", Name: "Ops", DiscordWebhook: "https://discord.test/b"}
	if destinations != expected {
		t.Errorf("expected %+v, got %+v", expected, destinations)
	}
}
