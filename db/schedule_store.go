package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// ScheduleStore reads on-call schedules. Schedules are immutable inputs
// during an alert run, so this store is read-only.
type ScheduleStore struct {
	PG *sql.DB
}

func NewScheduleStore(pg *sql.DB) *ScheduleStore {
	return &ScheduleStore{PG: pg}
}

const scheduleColumns = `id, project_id, name, escalation_ids, monitor_ids, is_default, created_at`

func scanSchedule(row interface{ Scan(...interface{}) error }) (Schedule, error) {
	var s Schedule
	var escalationIDs, monitorIDs []byte
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &escalationIDs, &monitorIDs, &s.IsDefault, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if len(escalationIDs) > 0 {
		if err := json.Unmarshal(escalationIDs, &s.EscalationIDs); err != nil {
			return s, fmt.Errorf("failed to decode escalation_ids: %w", err)
		}
	}
	if len(monitorIDs) > 0 {
		if err := json.Unmarshal(monitorIDs, &s.MonitorIDs); err != nil {
			return s, fmt.Errorf("failed to decode monitor_ids: %w", err)
		}
	}
	return s, nil
}

func (s *ScheduleStore) querySchedules(query string, args ...interface{}) ([]Schedule, error) {
	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// FindByIDs returns schedules for the given ids, preserving the order of
// the ids argument.
func (s *ScheduleStore) FindByIDs(ids []string) ([]Schedule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE id = ANY($1) AND deleted = false`
	schedules, err := s.querySchedules(query, pq.Array(ids))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Schedule, len(schedules))
	for _, schedule := range schedules {
		byID[schedule.ID] = schedule
	}
	ordered := make([]Schedule, 0, len(schedules))
	for _, id := range ids {
		if schedule, ok := byID[id]; ok {
			ordered = append(ordered, schedule)
		}
	}
	return ordered, nil
}

// FindByMonitor returns schedules bound to the given monitor.
func (s *ScheduleStore) FindByMonitor(monitorID string) ([]Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE monitor_ids @> to_jsonb($1::text) AND deleted = false
		ORDER BY created_at ASC`
	return s.querySchedules(query, monitorID)
}

// FindDefaults returns the project's default schedules.
func (s *ScheduleStore) FindDefaults(projectID string) ([]Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE project_id = $1 AND is_default = true AND deleted = false
		ORDER BY created_at ASC`
	return s.querySchedules(query, projectID)
}

// FindByID returns a single schedule, sql.ErrNoRows when missing.
func (s *ScheduleStore) FindByID(id string) (Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE id = $1 AND deleted = false`
	return scanSchedule(s.PG.QueryRow(query, id))
}

// EscalationPolicyStore reads escalation policies.
type EscalationPolicyStore struct {
	PG *sql.DB
}

func NewEscalationPolicyStore(pg *sql.DB) *EscalationPolicyStore {
	return &EscalationPolicyStore{PG: pg}
}

// FindByID returns a single escalation policy with its active team,
// sql.ErrNoRows when missing.
func (s *EscalationPolicyStore) FindByID(id string) (EscalationPolicy, error) {
	var policy EscalationPolicy
	var team []byte

	query := `
		SELECT id, project_id, schedule_id,
		       call, email, sms, push,
		       call_reminders, email_reminders, sms_reminders, push_reminders,
		       team, created_at, updated_at
		FROM escalation_policies
		WHERE id = $1 AND deleted = false`

	err := s.PG.QueryRow(query, id).Scan(
		&policy.ID, &policy.ProjectID, &policy.ScheduleID,
		&policy.Call, &policy.Email, &policy.SMS, &policy.Push,
		&policy.CallReminders, &policy.EmailReminders, &policy.SMSReminders, &policy.PushReminders,
		&team, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return policy, err
	}
	if len(team) > 0 {
		if err := json.Unmarshal(team, &policy.Team); err != nil {
			return policy, fmt.Errorf("failed to decode team: %w", err)
		}
	}
	return policy, nil
}
