package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned when a compare-and-swap update loses to
// a concurrent writer. Callers reload and retry.
var ErrVersionConflict = errors.New("on-call schedule status was modified concurrently")

// OnCallScheduleStatusStore owns the per-(incident, schedule) escalation
// progress rows. All writes except Create go through a versioned
// compare-and-swap so that two reminder ticks racing on the same row
// cannot interleave a read-modify-write.
type OnCallScheduleStatusStore struct {
	PG *sql.DB
}

func NewOnCallScheduleStatusStore(pg *sql.DB) *OnCallScheduleStatusStore {
	return &OnCallScheduleStatusStore{PG: pg}
}

const onCallStatusColumns = `id, project_id, incident_id, COALESCE(schedule_id, ''),
	COALESCE(active_escalation_id, ''), escalations,
	incident_acknowledged, is_on_duty, alerted_everyone, version, created_at, updated_at`

func scanOnCallStatus(row interface{ Scan(...interface{}) error }) (OnCallScheduleStatus, error) {
	var status OnCallScheduleStatus
	var escalations []byte
	err := row.Scan(
		&status.ID, &status.ProjectID, &status.IncidentID, &status.ScheduleID,
		&status.ActiveEscalationID, &escalations,
		&status.IncidentAcknowledged, &status.IsOnDuty, &status.AlertedEveryone,
		&status.Version, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		return status, err
	}
	if len(escalations) > 0 {
		if err := json.Unmarshal(escalations, &status.Escalations); err != nil {
			return status, fmt.Errorf("failed to decode escalations: %w", err)
		}
	}
	return status, nil
}

// FindByIncidentAndSchedule returns the progress row for the pair, or
// sql.ErrNoRows when the incident has not been escalated on this
// schedule yet.
func (s *OnCallScheduleStatusStore) FindByIncidentAndSchedule(incidentID, scheduleID string) (OnCallScheduleStatus, error) {
	query := `
		SELECT ` + onCallStatusColumns + `
		FROM on_call_schedule_statuses
		WHERE incident_id = $1 AND COALESCE(schedule_id, '') = $2 AND deleted = false
		ORDER BY created_at DESC
		LIMIT 1`
	return scanOnCallStatus(s.PG.QueryRow(query, incidentID, scheduleID))
}

// FindByIncident returns all progress rows of an incident.
func (s *OnCallScheduleStatusStore) FindByIncident(incidentID string) ([]OnCallScheduleStatus, error) {
	query := `
		SELECT ` + onCallStatusColumns + `
		FROM on_call_schedule_statuses
		WHERE incident_id = $1 AND deleted = false
		ORDER BY created_at ASC`
	rows, err := s.PG.Query(query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query on-call schedule statuses: %w", err)
	}
	defer rows.Close()

	var statuses []OnCallScheduleStatus
	for rows.Next() {
		status, err := scanOnCallStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan on-call schedule status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// Create inserts a new progress row at version 1.
func (s *OnCallScheduleStatusStore) Create(status OnCallScheduleStatus) (OnCallScheduleStatus, error) {
	if status.ID == "" {
		status.ID = uuid.New().String()
	}
	status.Version = 1
	status.CreatedAt = time.Now()
	status.UpdatedAt = status.CreatedAt

	escalations, err := json.Marshal(status.Escalations)
	if err != nil {
		return status, fmt.Errorf("failed to encode escalations: %w", err)
	}

	query := `
		INSERT INTO on_call_schedule_statuses (
			id, project_id, incident_id, schedule_id, active_escalation_id,
			escalations, incident_acknowledged, is_on_duty, alerted_everyone,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.PG.Exec(query,
		status.ID, status.ProjectID, status.IncidentID, status.ScheduleID, status.ActiveEscalationID,
		escalations, status.IncidentAcknowledged, status.IsOnDuty, status.AlertedEveryone,
		status.Version, status.CreatedAt, status.UpdatedAt)
	if err != nil {
		return status, fmt.Errorf("failed to insert on-call schedule status: %w", err)
	}
	return status, nil
}

// Update persists a modified progress row if and only if nobody else
// wrote it since it was loaded; otherwise ErrVersionConflict.
func (s *OnCallScheduleStatusStore) Update(status OnCallScheduleStatus) (OnCallScheduleStatus, error) {
	escalations, err := json.Marshal(status.Escalations)
	if err != nil {
		return status, fmt.Errorf("failed to encode escalations: %w", err)
	}

	query := `
		UPDATE on_call_schedule_statuses
		SET active_escalation_id = NULLIF($2, ''), escalations = $3,
		    incident_acknowledged = $4, is_on_duty = $5, alerted_everyone = $6,
		    version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8`

	now := time.Now()
	result, err := s.PG.Exec(query,
		status.ID, status.ActiveEscalationID, escalations,
		status.IncidentAcknowledged, status.IsOnDuty, status.AlertedEveryone,
		now, status.Version)
	if err != nil {
		return status, fmt.Errorf("failed to update on-call schedule status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return status, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return status, ErrVersionConflict
	}
	status.Version++
	status.UpdatedAt = now
	return status, nil
}

// MarkAcknowledged flips the acknowledged flag on every progress row of
// the incident. Unconditional: acknowledgement is terminal and
// idempotent.
func (s *OnCallScheduleStatusStore) MarkAcknowledged(incidentID string) error {
	query := `
		UPDATE on_call_schedule_statuses
		SET incident_acknowledged = true, version = version + 1, updated_at = $2
		WHERE incident_id = $1 AND deleted = false`
	_, err := s.PG.Exec(query, incidentID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark on-call schedule statuses acknowledged: %w", err)
	}
	return nil
}
