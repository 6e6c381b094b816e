package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DuckDBStore implements every repository of the daemon on a single DuckDB
// database.
type DuckDBStore struct {
	db *sql.DB
}

func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

const monitorColumns = `id, owner_id, name, url, method, interval_seconds, timeout_seconds, expected_status_code,
	headers, alert_settings, status, active, last_check_at, last_downtime_at, total_downtime_minutes,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (Monitor, error) {
	var monitor Monitor
	var headers, alertSettings, status string
	err := row.Scan(
		&monitor.ID,
		&monitor.OwnerID,
		&monitor.Name,
		&monitor.URL,
		&monitor.Method,
		&monitor.IntervalSeconds,
		&monitor.TimeoutSeconds,
		&monitor.ExpectedStatusCode,
		&headers,
		&alertSettings,
		&status,
		&monitor.Active,
		&monitor.LastCheckAt,
		&monitor.LastDowntimeAt,
		&monitor.TotalDowntimeMinutes,
		&monitor.Version,
		&monitor.CreatedAt,
		&monitor.UpdatedAt,
	)
	if err != nil {
		return Monitor{}, err
	}
	monitor.Status = MonitorStatus(status)
	if err := json.Unmarshal([]byte(headers), &monitor.Headers); err != nil {
		return Monitor{}, fmt.Errorf("decoding headers of monitor %s: %w", monitor.ID, err)
	}
	if err := json.Unmarshal([]byte(alertSettings), &monitor.AlertSettings); err != nil {
		return Monitor{}, fmt.Errorf("decoding alert settings of monitor %s: %w", monitor.ID, err)
	}
	return monitor, nil
}

func (s *DuckDBStore) queryMonitors(ctx context.Context, query string, args ...any) ([]Monitor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var monitors []Monitor
	for rows.Next() {
		monitor, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning monitor: %w", err)
		}
		monitors = append(monitors, monitor)
	}
	return monitors, rows.Err()
}

// FindDueForProbe lists monitors whose interval has elapsed. The scheduler
// re-checks Monitor.IsDue under the monitor lock.
func (s *DuckDBStore) FindDueForProbe(ctx context.Context, now time.Time) ([]Monitor, error) {
	due, err := s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors
		WHERE active = TRUE AND status <> 'paused'
			AND (last_check_at IS NULL OR last_check_at + to_seconds(interval_seconds) <= ?)
		ORDER BY last_check_at ASC NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("querying due monitors: %w", err)
	}
	return due, nil
}

func (s *DuckDBStore) FindActiveDown(ctx context.Context) ([]Monitor, error) {
	monitors, err := s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors
		WHERE active = TRUE AND status = 'down'`)
	if err != nil {
		return nil, fmt.Errorf("querying down monitors: %w", err)
	}
	return monitors, nil
}

func (s *DuckDBStore) GetMonitor(ctx context.Context, id string) (Monitor, error) {
	monitor, err := scanMonitor(s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Monitor{}, fmt.Errorf("%w: %s", ErrMonitorNotFound, id)
		}
		return Monitor{}, fmt.Errorf("querying monitor: %w", err)
	}
	return monitor, nil
}

func (s *DuckDBStore) CreateMonitor(ctx context.Context, monitor Monitor) (Monitor, error) {
	if monitor.ID == "" {
		monitor.ID = uuid.NewString()
	}
	monitor.ApplyDefaults()
	if err := monitor.Validate(); err != nil {
		return Monitor{}, err
	}

	now := nowUTC()
	monitor.Version = 1
	monitor.CreatedAt = now
	monitor.UpdatedAt = now

	headers, alertSettings, err := encodeMonitorSettings(monitor)
	if err != nil {
		return Monitor{}, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		monitor.ID,
		monitor.OwnerID,
		monitor.Name,
		monitor.URL,
		monitor.Method,
		monitor.IntervalSeconds,
		monitor.TimeoutSeconds,
		monitor.ExpectedStatusCode,
		headers,
		alertSettings,
		string(monitor.Status),
		monitor.Active,
		monitor.LastCheckAt,
		monitor.LastDowntimeAt,
		monitor.TotalDowntimeMinutes,
		monitor.Version,
		monitor.CreatedAt,
		monitor.UpdatedAt,
	)
	if err != nil {
		return Monitor{}, fmt.Errorf("inserting monitor: %w", err)
	}
	return monitor, nil
}

// SeedMonitor inserts a monitor definition or updates the configuration of an
// existing one. Live health state of an existing monitor is preserved.
func (s *DuckDBStore) SeedMonitor(ctx context.Context, monitor Monitor) error {
	monitor.ApplyDefaults()
	if err := monitor.Validate(); err != nil {
		return err
	}
	headers, alertSettings, err := encodeMonitorSettings(monitor)
	if err != nil {
		return err
	}

	now := nowUTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, NULL, NULL, 0, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			method = EXCLUDED.method,
			interval_seconds = EXCLUDED.interval_seconds,
			timeout_seconds = EXCLUDED.timeout_seconds,
			expected_status_code = EXCLUDED.expected_status_code,
			headers = EXCLUDED.headers,
			alert_settings = EXCLUDED.alert_settings,
			active = EXCLUDED.active,
			version = version + 1,
			updated_at = EXCLUDED.updated_at`,
		monitor.ID,
		monitor.OwnerID,
		monitor.Name,
		monitor.URL,
		monitor.Method,
		monitor.IntervalSeconds,
		monitor.TimeoutSeconds,
		monitor.ExpectedStatusCode,
		headers,
		alertSettings,
		monitor.Active,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting monitor %s: %w", monitor.ID, err)
	}
	return nil
}

func encodeMonitorSettings(monitor Monitor) (string, string, error) {
	headers := monitor.Headers
	if headers == nil {
		headers = []Header{}
	}
	encodedHeaders, err := json.Marshal(headers)
	if err != nil {
		return "", "", fmt.Errorf("encoding headers: %w", err)
	}
	encodedAlertSettings, err := json.Marshal(monitor.AlertSettings)
	if err != nil {
		return "", "", fmt.Errorf("encoding alert settings: %w", err)
	}
	return string(encodedHeaders), string(encodedAlertSettings), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// saveMonitorState writes the live and configuration fields of monitor if its
// version still matches, returning the saved monitor.
func saveMonitorState(ctx context.Context, exec execer, monitor Monitor) (Monitor, error) {
	headers, alertSettings, err := encodeMonitorSettings(monitor)
	if err != nil {
		return Monitor{}, err
	}

	updatedAt := nowUTC()
	result, err := exec.ExecContext(ctx, `UPDATE monitors SET
			name = ?,
			url = ?,
			method = ?,
			interval_seconds = ?,
			timeout_seconds = ?,
			expected_status_code = ?,
			headers = ?,
			alert_settings = ?,
			status = ?,
			active = ?,
			last_check_at = ?,
			last_downtime_at = ?,
			total_downtime_minutes = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		monitor.Name,
		monitor.URL,
		monitor.Method,
		monitor.IntervalSeconds,
		monitor.TimeoutSeconds,
		monitor.ExpectedStatusCode,
		headers,
		alertSettings,
		string(monitor.Status),
		monitor.Active,
		monitor.LastCheckAt,
		monitor.LastDowntimeAt,
		monitor.TotalDowntimeMinutes,
		updatedAt,
		monitor.ID,
		monitor.Version,
	)
	if err != nil {
		return Monitor{}, fmt.Errorf("updating monitor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Monitor{}, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM monitors WHERE id = ?`, monitor.ID).Scan(&exists); err != nil {
			return Monitor{}, fmt.Errorf("checking monitor existence: %w", err)
		}
		if !exists {
			return Monitor{}, fmt.Errorf("%w: %s", ErrMonitorNotFound, monitor.ID)
		}
		return Monitor{}, fmt.Errorf("%w: %s at version %d", ErrMonitorVersionConflict, monitor.ID, monitor.Version)
	}

	monitor.Version++
	monitor.UpdatedAt = updatedAt
	return monitor, nil
}

func (s *DuckDBStore) SaveMonitor(ctx context.Context, monitor Monitor) (Monitor, error) {
	return saveMonitorState(ctx, s.db, monitor)
}

func (s *DuckDBStore) DeleteMonitor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cascade := []string{
		`DELETE FROM incident_updates WHERE incident_id IN (SELECT id FROM incidents WHERE monitor_id = ?)`,
		`DELETE FROM incidents WHERE monitor_id = ?`,
		`DELETE FROM checks WHERE monitor_id = ?`,
		`DELETE FROM escalation_markers WHERE monitor_id = ?`,
	}
	for _, query := range cascade {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("deleting monitor dependents: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrMonitorNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertCheck(ctx context.Context, exec execer, check Check) error {
	location, err := json.Marshal(check.Location)
	if err != nil {
		return fmt.Errorf("encoding location: %w", err)
	}
	responseHeaders := check.ResponseHeaders
	if responseHeaders == nil {
		responseHeaders = map[string]string{}
	}
	headers, err := json.Marshal(responseHeaders)
	if err != nil {
		return fmt.Errorf("encoding response headers: %w", err)
	}

	_, err = exec.ExecContext(ctx, `INSERT INTO checks (
			id, monitor_id, success, latency_ms, status_code, error_message, location, response_headers,
			dns_lookup_ms, connect_ms, tls_handshake_ms, first_byte_ms, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID,
		check.MonitorID,
		check.Success,
		check.LatencyMs,
		check.StatusCode,
		check.ErrorMessage,
		string(location),
		string(headers),
		check.Timings.DNSLookupMs,
		check.Timings.ConnectMs,
		check.Timings.TLSHandshakeMs,
		check.Timings.FirstByteMs,
		check.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting check: %w", err)
	}
	return nil
}

func (s *DuckDBStore) AppendCheck(ctx context.Context, check Check) error {
	return insertCheck(ctx, s.db, check)
}

func (s *DuckDBStore) RecordCheck(ctx context.Context, check Check, monitor Monitor) (Monitor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Monitor{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertCheck(ctx, tx, check); err != nil {
		return Monitor{}, err
	}
	saved, err := saveMonitorState(ctx, tx, monitor)
	if err != nil {
		return Monitor{}, err
	}
	if err := tx.Commit(); err != nil {
		return Monitor{}, fmt.Errorf("committing transaction: %w", err)
	}
	return saved, nil
}

func (s *DuckDBStore) ListChecks(ctx context.Context, monitorID string, limit int) ([]Check, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
			id, monitor_id, success, latency_ms, status_code, error_message, location, response_headers,
			dns_lookup_ms, connect_ms, tls_handshake_ms, first_byte_ms, checked_at
		FROM checks
		WHERE monitor_id = ?
		ORDER BY checked_at DESC
		LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying checks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var checks []Check
	for rows.Next() {
		var check Check
		var location, headers string
		err := rows.Scan(
			&check.ID,
			&check.MonitorID,
			&check.Success,
			&check.LatencyMs,
			&check.StatusCode,
			&check.ErrorMessage,
			&location,
			&headers,
			&check.Timings.DNSLookupMs,
			&check.Timings.ConnectMs,
			&check.Timings.TLSHandshakeMs,
			&check.Timings.FirstByteMs,
			&check.CheckedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning check: %w", err)
		}
		if err := json.Unmarshal([]byte(location), &check.Location); err != nil {
			return nil, fmt.Errorf("decoding check location: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &check.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decoding check headers: %w", err)
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func (s *DuckDBStore) UptimeSummary(ctx context.Context, monitorID string, since time.Time) (UptimeSummary, error) {
	summary := UptimeSummary{MonitorID: monitorID, Since: since}
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			CAST(COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS BIGINT),
			CAST(COALESCE(AVG(latency_ms), 0) AS DOUBLE)
		FROM checks
		WHERE monitor_id = ? AND checked_at >= ?`, monitorID, since).
		Scan(&summary.TotalChecks, &summary.SuccessfulChecks, &summary.AvgLatencyMs)
	if err != nil {
		return UptimeSummary{}, fmt.Errorf("aggregating checks: %w", err)
	}
	if summary.TotalChecks > 0 {
		percentage := float64(summary.SuccessfulChecks) / float64(summary.TotalChecks) * 100
		summary.UptimePercentage = float64(int64(percentage*100+0.5)) / 100
	}
	return summary, nil
}

func (s *DuckDBStore) UpsertUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, slack_webhook, discord_webhook, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			slack_webhook = EXCLUDED.slack_webhook,
			discord_webhook = EXCLUDED.discord_webhook`,
		user.ID, user.Email, user.Name, user.SlackWebhook, user.DiscordWebhook, nowUTC())
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", user.ID, err)
	}
	return nil
}

func (s *DuckDBStore) NotificationDestinations(ctx context.Context, ownerID string) (Destinations, error) {
	var destinations Destinations
	err := s.db.QueryRowContext(ctx, `SELECT email, name, slack_webhook, discord_webhook FROM users WHERE id = ?`, ownerID).
		Scan(&destinations.Email, &destinations.Name, &destinations.SlackWebhook, &destinations.DiscordWebhook)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Destinations{}, nil
		}
		return Destinations{}, fmt.Errorf("querying user destinations: %w", err)
	}
	return destinations, nil
}

func (s *DuckDBStore) CreateIncident(ctx context.Context, incident Incident) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO incidents (id, monitor_id, title, description, status, severity, auto_created, started_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID,
		incident.MonitorID,
		incident.Title,
		incident.Description,
		string(incident.Status),
		string(incident.Severity),
		incident.AutoCreated,
		incident.StartedAt,
		incident.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	for i, update := range incident.Updates {
		if err := insertIncidentUpdate(ctx, tx, incident.ID, i+1, update); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertIncidentUpdate(ctx context.Context, exec execer, incidentID string, seq int, update IncidentUpdate) error {
	_, err := exec.ExecContext(ctx, `INSERT INTO incident_updates (incident_id, seq, status, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		incidentID, seq, string(update.Status), update.Message, update.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting incident update: %w", err)
	}
	return nil
}

const incidentColumns = `id, monitor_id, title, description, status, severity, auto_created, started_at, resolved_at`

func scanIncident(row rowScanner) (Incident, error) {
	var incident Incident
	var status, severity string
	err := row.Scan(
		&incident.ID,
		&incident.MonitorID,
		&incident.Title,
		&incident.Description,
		&status,
		&severity,
		&incident.AutoCreated,
		&incident.StartedAt,
		&incident.ResolvedAt,
	)
	if err != nil {
		return Incident{}, err
	}
	incident.Status = IncidentStatus(status)
	incident.Severity = IncidentSeverity(severity)
	return incident, nil
}

func (s *DuckDBStore) loadIncidentUpdates(ctx context.Context, incident *Incident) error {
	rows, err := s.db.QueryContext(ctx, `SELECT status, message, created_at FROM incident_updates WHERE incident_id = ? ORDER BY seq ASC`, incident.ID)
	if err != nil {
		return fmt.Errorf("querying incident updates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	incident.Updates = nil
	for rows.Next() {
		var update IncidentUpdate
		var status string
		if err := rows.Scan(&status, &update.Message, &update.CreatedAt); err != nil {
			return fmt.Errorf("scanning incident update: %w", err)
		}
		update.Status = IncidentStatus(status)
		incident.Updates = append(incident.Updates, update)
	}
	return rows.Err()
}

func (s *DuckDBStore) GetIncident(ctx context.Context, id string) (Incident, error) {
	incident, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
		}
		return Incident{}, fmt.Errorf("querying incident: %w", err)
	}
	if err := s.loadIncidentUpdates(ctx, &incident); err != nil {
		return Incident{}, err
	}
	return incident, nil
}

func (s *DuckDBStore) FindOpenAutoIncident(ctx context.Context, monitorID string) (Incident, bool, error) {
	incident, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE monitor_id = ? AND auto_created = TRUE AND status <> 'resolved'
		ORDER BY started_at DESC
		LIMIT 1`, monitorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Incident{}, false, nil
		}
		return Incident{}, false, fmt.Errorf("querying open incident: %w", err)
	}
	if err := s.loadIncidentUpdates(ctx, &incident); err != nil {
		return Incident{}, false, err
	}
	return incident, true, nil
}

func (s *DuckDBStore) AppendIncidentUpdate(ctx context.Context, incident Incident, update IncidentUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM incident_updates WHERE incident_id = ?`, incident.ID).Scan(&seq); err != nil {
		return fmt.Errorf("reading incident update sequence: %w", err)
	}
	if err := insertIncidentUpdate(ctx, tx, incident.ID, seq, update); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `UPDATE incidents SET status = ?, resolved_at = ? WHERE id = ? AND status <> 'resolved'`,
		string(incident.Status), incident.ResolvedAt, incident.ID)
	if err != nil {
		return fmt.Errorf("updating incident status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return ErrIncidentResolved
	}
	return tx.Commit()
}

func (s *DuckDBStore) UpdateIncidentSeverity(ctx context.Context, id string, severity IncidentSeverity) error {
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET severity = ? WHERE id = ?`, string(severity), id)
	if err != nil {
		return fmt.Errorf("updating incident severity: %w", err)
	}
	return nil
}

func (s *DuckDBStore) ListIncidents(ctx context.Context, monitorID string) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE monitor_id = ? ORDER BY started_at DESC`, monitorID)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}

	var incidents []Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range incidents {
		if err := s.loadIncidentUpdates(ctx, &incidents[i]); err != nil {
			return nil, err
		}
	}
	return incidents, nil
}

func (s *DuckDBStore) LoadMarkers(ctx context.Context) ([]EscalationMarker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT monitor_id, level, episode_start, fired_at FROM escalation_markers`)
	if err != nil {
		return nil, fmt.Errorf("querying escalation markers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var markers []EscalationMarker
	for rows.Next() {
		var marker EscalationMarker
		if err := rows.Scan(&marker.MonitorID, &marker.Level, &marker.EpisodeStart, &marker.FiredAt); err != nil {
			return nil, fmt.Errorf("scanning escalation marker: %w", err)
		}
		markers = append(markers, marker)
	}
	return markers, rows.Err()
}

func (s *DuckDBStore) HasFired(ctx context.Context, monitorID string, level int, episodeStart time.Time) (bool, error) {
	var fired bool
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM escalation_markers WHERE monitor_id = ? AND level = ? AND episode_start = ?`,
		monitorID, level, episodeStart).Scan(&fired)
	if err != nil {
		return false, fmt.Errorf("querying escalation marker: %w", err)
	}
	return fired, nil
}

func (s *DuckDBStore) MarkFired(ctx context.Context, marker EscalationMarker) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO escalation_markers (monitor_id, level, episode_start, fired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (monitor_id, level) DO UPDATE SET
			episode_start = EXCLUDED.episode_start,
			fired_at = EXCLUDED.fired_at`,
		marker.MonitorID, marker.Level, marker.EpisodeStart, marker.FiredAt)
	if err != nil {
		return fmt.Errorf("upserting escalation marker: %w", err)
	}
	return nil
}

func (s *DuckDBStore) ClearMarkers(ctx context.Context, monitorID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM escalation_markers WHERE monitor_id = ?`, monitorID); err != nil {
		return fmt.Errorf("deleting escalation markers: %w", err)
	}
	return nil
}
