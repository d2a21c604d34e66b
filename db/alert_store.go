package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStore writes the append-only on-call delivery audit log. Rows are
// never updated after creation except by soft delete.
type AlertStore struct {
	PG *sql.DB
}

func NewAlertStore(pg *sql.DB) *AlertStore {
	return &AlertStore{PG: pg}
}

// Create inserts one audit row for a delivery attempt.
func (s *AlertStore) Create(alert Alert) (Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.CreatedAt = time.Now()

	query := `
		INSERT INTO alerts (
			id, project_id, monitor_id, incident_id, user_id,
			schedule_id, escalation_id, on_call_schedule_status_id,
			alert_via, alert_status, error, error_message, event_type,
			alert_progress, deleted, created_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			$9, NULLIF($10, ''), $11, $12, $13, NULLIF($14, ''), false, $15)`

	_, err := s.PG.Exec(query,
		alert.ID, alert.ProjectID, alert.MonitorID, alert.IncidentID, alert.UserID,
		alert.ScheduleID, alert.EscalationID, alert.OnCallScheduleStatusID,
		string(alert.AlertVia), alert.AlertStatus, alert.Error, alert.ErrorMessage,
		string(alert.EventType), alert.AlertProgress, alert.CreatedAt)
	if err != nil {
		return alert, fmt.Errorf("failed to insert alert: %w", err)
	}
	return alert, nil
}

// FindByIncident returns the audit trail of an incident, newest first.
func (s *AlertStore) FindByIncident(incidentID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, project_id, monitor_id, incident_id, user_id,
		       COALESCE(schedule_id, ''), COALESCE(escalation_id, ''),
		       COALESCE(on_call_schedule_status_id, ''),
		       alert_via, COALESCE(alert_status, ''), error, COALESCE(error_message, ''),
		       event_type, COALESCE(alert_progress, ''), deleted, created_at
		FROM alerts
		WHERE incident_id = $1 AND deleted = false
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.PG.Query(query, incidentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var alert Alert
		err := rows.Scan(
			&alert.ID, &alert.ProjectID, &alert.MonitorID, &alert.IncidentID, &alert.UserID,
			&alert.ScheduleID, &alert.EscalationID, &alert.OnCallScheduleStatusID,
			&alert.AlertVia, &alert.AlertStatus, &alert.Error, &alert.ErrorMessage,
			&alert.EventType, &alert.AlertProgress, &alert.Deleted, &alert.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// CountPhoneAlertsSince counts successful Call/SMS alerts of a project
// created after the cutoff. Backs the daily phone-alert cap.
func (s *AlertStore) CountPhoneAlertsSince(projectID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM alerts
		WHERE project_id = $1
		  AND alert_via IN ($2, $3)
		  AND error = false
		  AND created_at >= $4
		  AND deleted = false`

	var count int
	err := s.PG.QueryRow(query, projectID, string(AlertTypeCall), string(AlertTypeSMS), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count phone alerts: %w", err)
	}
	return count, nil
}

// SoftDelete marks an alert deleted. The row itself is never removed.
func (s *AlertStore) SoftDelete(id, deletedBy string) error {
	query := `
		UPDATE alerts
		SET deleted = true, deleted_by = NULLIF($2, ''), deleted_at = $3
		WHERE id = $1 AND deleted = false`
	_, err := s.PG.Exec(query, id, deletedBy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to soft delete alert: %w", err)
	}
	return nil
}

// AlertChargeStore writes the immutable billing audit rows that link a
// metered alert to its debit.
type AlertChargeStore struct {
	PG *sql.DB
}

func NewAlertChargeStore(pg *sql.DB) *AlertChargeStore {
	return &AlertChargeStore{PG: pg}
}

// CreateTx writes the charge row inside the caller's transaction so
// the balance debit and its audit commit together.
func (s *AlertChargeStore) CreateTx(tx *sql.Tx, charge AlertCharge) (AlertCharge, error) {
	if charge.ID == "" {
		charge.ID = uuid.New().String()
	}
	charge.CreatedAt = time.Now()

	query := `
		INSERT INTO alert_charges (
			id, project_id, charge_amount, closing_balance,
			alert_id, monitor_id, incident_id, sent_to, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)`

	_, err := tx.Exec(query,
		charge.ID, charge.ProjectID, charge.ChargeAmount, charge.ClosingBalance,
		charge.AlertID, charge.MonitorID, charge.IncidentID, charge.SentTo, charge.CreatedAt)
	if err != nil {
		return charge, fmt.Errorf("failed to insert alert charge: %w", err)
	}
	return charge, nil
}
