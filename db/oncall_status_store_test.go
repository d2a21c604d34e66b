package db

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusStore(t *testing.T) (*OnCallScheduleStatusStore, sqlmock.Sqlmock) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return NewOnCallScheduleStatusStore(pg), mock
}

func statusRow(id string, version int, escalations []EscalationStatus) *sqlmock.Rows {
	encoded, _ := json.Marshal(escalations)
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "project_id", "incident_id", "schedule_id",
		"active_escalation_id", "escalations",
		"incident_acknowledged", "is_on_duty", "alerted_everyone",
		"version", "created_at", "updated_at",
	}).AddRow(id, "proj-1", "inc-1", "sch-1", "e1", encoded, false, true, false, version, now, now)
}

func TestStatusUpdate_BumpsVersion(t *testing.T) {
	store, mock := newStatusStore(t)

	mock.ExpectExec("UPDATE on_call_schedule_statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status := OnCallScheduleStatus{
		ID:      "status-1",
		Version: 3,
		Escalations: []EscalationStatus{
			{EscalationID: "e1", SMSRemindersSent: 1},
		},
	}
	updated, err := store.Update(status)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusUpdate_ConflictWhenRowMoved(t *testing.T) {
	store, mock := newStatusStore(t)

	// The WHERE version clause matched nothing: someone else won.
	mock.ExpectExec("UPDATE on_call_schedule_statuses").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Update(OnCallScheduleStatus{ID: "status-1", Version: 3})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusFind_DecodesEscalations(t *testing.T) {
	store, mock := newStatusStore(t)

	escalations := []EscalationStatus{
		{EscalationID: "e1", SMSRemindersSent: 2, CallRemindersSent: 1},
	}
	mock.ExpectQuery("FROM on_call_schedule_statuses").
		WithArgs("inc-1", "sch-1").
		WillReturnRows(statusRow("status-1", 3, escalations))

	status, err := store.FindByIncidentAndSchedule("inc-1", "sch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Version)

	cur := status.CurrentEscalationStatus()
	require.NotNil(t, cur)
	assert.Equal(t, "e1", cur.EscalationID)
	assert.Equal(t, 2, cur.SMSRemindersSent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusFind_NoRowsPassesThrough(t *testing.T) {
	store, mock := newStatusStore(t)

	mock.ExpectQuery("FROM on_call_schedule_statuses").
		WithArgs("inc-1", "").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindByIncidentAndSchedule("inc-1", "")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusCreate_StartsAtVersionOne(t *testing.T) {
	store, mock := newStatusStore(t)

	mock.ExpectExec("INSERT INTO on_call_schedule_statuses").
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := store.Create(OnCallScheduleStatus{ProjectID: "proj-1", IncidentID: "inc-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
