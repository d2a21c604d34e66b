package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ProjectStore reads project records and owns the balance column that
// the billing gate debits.
type ProjectStore struct {
	PG *sql.DB
}

func NewProjectStore(pg *sql.DB) *ProjectStore {
	return &ProjectStore{PG: pg}
}

// FindByID returns a project, sql.ErrNoRows when missing.
func (s *ProjectStore) FindByID(id string) (Project, error) {
	var p Project
	var alertOptions []byte

	query := `
		SELECT id, name, slug, owner_user_id, balance, alert_enable,
		       COALESCE(alert_limit, 0), alert_limit_reached, alert_options,
		       send_created_incident_notification_email,
		       send_acknowledged_incident_notification_email,
		       send_resolved_incident_notification_email,
		       send_created_incident_notification_sms,
		       send_acknowledged_incident_notification_sms,
		       send_resolved_incident_notification_sms,
		       enable_investigation_note_notification_email,
		       enable_investigation_note_notification_sms,
		       enable_investigation_note_notification_webhook,
		       created_at
		FROM projects
		WHERE id = $1 AND deleted = false`

	err := s.PG.QueryRow(query, id).Scan(
		&p.ID, &p.Name, &p.Slug, &p.OwnerUserID, &p.Balance, &p.AlertEnable,
		&p.AlertLimit, &p.AlertLimitReached, &alertOptions,
		&p.SendCreatedIncidentNotificationEmail,
		&p.SendAcknowledgedIncidentNotificationEmail,
		&p.SendResolvedIncidentNotificationEmail,
		&p.SendCreatedIncidentNotificationSMS,
		&p.SendAcknowledgedIncidentNotificationSMS,
		&p.SendResolvedIncidentNotificationSMS,
		&p.EnableInvestigationNoteNotificationEmail,
		&p.EnableInvestigationNoteNotificationSMS,
		&p.EnableInvestigationNoteNotificationWebhook,
		&p.CreatedAt)
	if err != nil {
		return p, err
	}
	if len(alertOptions) > 0 {
		if err := json.Unmarshal(alertOptions, &p.AlertOptions); err != nil {
			return p, fmt.Errorf("failed to decode alert_options: %w", err)
		}
	}
	return p, nil
}

// UpdateBalance sets the project balance after a billing operation.
func (s *ProjectStore) UpdateBalance(id string, balance float64) error {
	query := `UPDATE projects SET balance = $2, updated_at = $3 WHERE id = $1`
	_, err := s.PG.Exec(query, id, balance, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update project balance: %w", err)
	}
	return nil
}

// SetAlertLimitReached flags a project whose daily phone-alert cap was
// hit.
func (s *ProjectStore) SetAlertLimitReached(id string, reached bool) error {
	query := `UPDATE projects SET alert_limit_reached = $2, updated_at = $3 WHERE id = $1`
	_, err := s.PG.Exec(query, id, reached, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update project alert limit flag: %w", err)
	}
	return nil
}

// UserStore reads user records.
type UserStore struct {
	PG *sql.DB
}

func NewUserStore(pg *sql.DB) *UserStore {
	return &UserStore{PG: pg}
}

// FindByID returns a user, sql.ErrNoRows when missing.
func (s *UserStore) FindByID(id string) (User, error) {
	var u User
	query := `
		SELECT id, name, email, COALESCE(alert_phone_number, ''),
		       COALESCE(timezone, ''), device_tokens, is_active, created_at
		FROM users
		WHERE id = $1 AND deleted = false`
	err := s.PG.QueryRow(query, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.AlertPhoneNumber,
		&u.Timezone, pq.Array(&u.DeviceTokens), &u.IsActive, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	return u, nil
}

// MonitorStore reads monitor records.
type MonitorStore struct {
	PG *sql.DB
}

func NewMonitorStore(pg *sql.DB) *MonitorStore {
	return &MonitorStore{PG: pg}
}

// FindByID returns a monitor including its last matched criterion,
// sql.ErrNoRows when missing.
func (s *MonitorStore) FindByID(id string) (Monitor, error) {
	var m Monitor
	var criterion []byte

	query := `
		SELECT id, project_id, component_id, name, COALESCE(url, ''),
		       COALESCE(method, ''), last_matched_criterion, created_at
		FROM monitors
		WHERE id = $1 AND deleted = false`

	err := s.PG.QueryRow(query, id).Scan(
		&m.ID, &m.ProjectID, &m.ComponentID, &m.Name, &m.URL,
		&m.Method, &criterion, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if len(criterion) > 0 {
		m.LastMatchedCriterion = &MatchedCriterion{}
		if err := json.Unmarshal(criterion, m.LastMatchedCriterion); err != nil {
			return m, fmt.Errorf("failed to decode last_matched_criterion: %w", err)
		}
	}
	return m, nil
}

// IncidentStore reads incident records for the alerting engine and
// settles their acknowledged and resolved flags; incident creation is
// owned elsewhere.
type IncidentStore struct {
	PG *sql.DB
}

func NewIncidentStore(pg *sql.DB) *IncidentStore {
	return &IncidentStore{PG: pg}
}

const incidentColumns = `id, project_id, monitor_id, id_number, incident_type,
	COALESCE(reason, ''), manually_created, COALESCE(created_by_name, ''),
	acknowledged, resolved, COALESCE(acknowledged_by, ''), COALESCE(resolved_by, ''),
	acknowledged_at, resolved_at, created_at`

func scanIncident(row interface{ Scan(...interface{}) error }) (Incident, error) {
	var in Incident
	err := row.Scan(
		&in.ID, &in.ProjectID, &in.MonitorID, &in.IDNumber, &in.IncidentType,
		&in.Reason, &in.ManuallyCreated, &in.CreatedByName,
		&in.Acknowledged, &in.Resolved, &in.AcknowledgedBy, &in.ResolvedBy,
		&in.AcknowledgedAt, &in.ResolvedAt, &in.CreatedAt)
	return in, err
}

// FindByID returns an incident, sql.ErrNoRows when missing.
func (s *IncidentStore) FindByID(id string) (Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 AND deleted = false`
	return scanIncident(s.PG.QueryRow(query, id))
}

// FindUnacknowledged returns open incidents that still need reminders.
func (s *IncidentStore) FindUnacknowledged(limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE acknowledged = false AND resolved = false AND deleted = false
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := s.PG.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unacknowledged incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

// Acknowledge closes the reminder loop for an incident. Rows already
// acknowledged keep their original actor and timestamp.
func (s *IncidentStore) Acknowledge(id, by string) error {
	query := `
		UPDATE incidents
		SET acknowledged = true, acknowledged_by = NULLIF($2, ''), acknowledged_at = $3
		WHERE id = $1 AND acknowledged = false AND deleted = false`
	_, err := s.PG.Exec(query, id, by, time.Now())
	if err != nil {
		return fmt.Errorf("failed to acknowledge incident: %w", err)
	}
	return nil
}

// Resolve marks an incident resolved. Resolved incidents count as
// acknowledged so the reminder sweep skips them.
func (s *IncidentStore) Resolve(id, by string) error {
	query := `
		UPDATE incidents
		SET resolved = true, resolved_by = NULLIF($2, ''), resolved_at = $3, acknowledged = true
		WHERE id = $1 AND resolved = false AND deleted = false`
	_, err := s.PG.Exec(query, id, by, time.Now())
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return nil
}

// StatusPageStore reads status pages for subscriber gating.
type StatusPageStore struct {
	PG *sql.DB
}

func NewStatusPageStore(pg *sql.DB) *StatusPageStore {
	return &StatusPageStore{PG: pg}
}

// FindEnabled returns the status page only when subscriber
// notifications are enabled on it; sql.ErrNoRows otherwise.
func (s *StatusPageStore) FindEnabled(id string) (StatusPage, error) {
	var page StatusPage
	query := `
		SELECT id, project_id, name, is_subscriber_enabled, domains
		FROM status_pages
		WHERE id = $1 AND is_subscriber_enabled = true AND deleted = false`
	err := s.PG.QueryRow(query, id).Scan(
		&page.ID, &page.ProjectID, &page.Name, &page.IsSubscriberEnabled, pq.Array(&page.Domains))
	return page, err
}

// GlobalConfigStore reads admin-dashboard settings rows.
type GlobalConfigStore struct {
	PG *sql.DB
}

func NewGlobalConfigStore(pg *sql.DB) *GlobalConfigStore {
	return &GlobalConfigStore{PG: pg}
}

// FindByName returns a settings row, or (nil, nil) when the row does
// not exist. A missing row is a normal "provider not configured"
// condition, not an error.
func (s *GlobalConfigStore) FindByName(name string) (*GlobalConfig, error) {
	var cfg GlobalConfig
	var value []byte

	query := `SELECT name, value, created_at FROM global_configs WHERE name = $1`
	err := s.PG.QueryRow(query, name).Scan(&cfg.Name, &value, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query global config %q: %w", name, err)
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &cfg.Value); err != nil {
			return nil, fmt.Errorf("failed to decode global config %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// HasProjectTwilioSettings reports whether the project configured its
// own SMS/voice credentials. Custom credentials bypass the hosted-mode
// gates (compliance, billing, daily cap).
func (s *GlobalConfigStore) HasProjectTwilioSettings(projectID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM project_provider_settings
			WHERE project_id = $1 AND provider = 'twilio' AND enabled = true
		)`
	var exists bool
	if err := s.PG.QueryRow(query, projectID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query project twilio settings: %w", err)
	}
	return exists, nil
}

// HasProjectSMTPSettings reports whether the project configured its own
// SMTP credentials.
func (s *GlobalConfigStore) HasProjectSMTPSettings(projectID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM project_provider_settings
			WHERE project_id = $1 AND provider = 'smtp' AND enabled = true
		)`
	var exists bool
	if err := s.PG.QueryRow(query, projectID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query project smtp settings: %w", err)
	}
	return exists, nil
}
