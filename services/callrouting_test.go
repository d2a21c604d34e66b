package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswatch/oncall/db"
)

func newRoutingService(t *testing.T) (*CallRoutingService, sqlmock.Sqlmock, *fakePhone) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	phone := &fakePhone{}
	svc := NewCallRoutingService(pg, phone, nil, "https://api.example.com")
	return svc, mock, phone
}

func routingRow(t *testing.T, id, phoneNumber string, schema db.RoutingSchema) *sqlmock.Rows {
	t.Helper()
	encoded, err := json.Marshal(schema)
	require.NoError(t, err)

	return sqlmock.NewRows([]string{
		"id", "project_id", "phone_number", "locality", "region", "country_code",
		"price", "sid", "subscription_id", "routing_schema", "deleted", "created_at",
	}).AddRow(id, "proj-1", phoneNumber, "", "", "", 3.0, "PN123", "", encoded, false, time.Now())
}

func callLogRow(callSID string, dialTo []db.DialEntry, charged bool) *sqlmock.Rows {
	encoded, _ := json.Marshal(dialTo)
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "call_routing_id", "call_sid", "called_from", "called_to",
		"dial_to", "price", "duration", "charged", "created_at", "updated_at",
	}).AddRow("log-1", "cr-1", callSID, "+14155550000", "+15550001111", encoded, 0.0, "", charged, now, now)
}

func TestGetCallResponse_UnknownNumberRejects(t *testing.T) {
	svc, mock, _ := newRoutingService(t)

	mock.ExpectQuery("FROM call_routings WHERE phone_number").
		WithArgs("+15559999999").
		WillReturnError(sql.ErrNoRows)

	out, err := svc.GetCallResponse(context.Background(), "+15559999999", "+14155550000", "CA1")
	require.NoError(t, err)
	assert.Contains(t, out, "<Reject")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCallResponse_DialsPrimaryNumber(t *testing.T) {
	svc, mock, _ := newRoutingService(t)
	schema := db.RoutingSchema{
		Type:        db.RoutingTargetPhoneNumber,
		PhoneNumber: "+16505550101",
		IntroText:   "Connecting you to on call",
	}

	mock.ExpectQuery("FROM call_routings WHERE phone_number").
		WithArgs("+15550001111").
		WillReturnRows(routingRow(t, "cr-1", "+15550001111", schema))
	// First call on this session, so a log row is created.
	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO call_routing_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The dial attempt is appended to the log.
	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", nil, false))
	mock.ExpectExec("UPDATE call_routing_logs SET dial_to").
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := svc.GetCallResponse(context.Background(), "+15550001111", "+14155550000", "CA1")
	require.NoError(t, err)

	assert.Contains(t, out, "<Say>Connecting you to on call</Say>")
	assert.Contains(t, out, ">+16505550101</Dial>")
	assert.Contains(t, out, "https://api.example.com/api/call-routing/dial-status?routing_id=cr-1&amp;call_sid=CA1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDialStatus_AnsweredEndsCall(t *testing.T) {
	svc, mock, _ := newRoutingService(t)

	out, err := svc.HandleDialStatus(context.Background(), "cr-1", "CA1", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "<Response></Response>")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDialStatus_FallsThroughToBackup(t *testing.T) {
	svc, mock, _ := newRoutingService(t)
	schema := db.RoutingSchema{
		Type:              db.RoutingTargetPhoneNumber,
		PhoneNumber:       "+16505550101",
		BackupType:        db.RoutingTargetPhoneNumber,
		BackupPhoneNumber: "+16505550202",
	}
	primaryDial := []db.DialEntry{{CallSID: "CA1", PhoneNumber: "+16505550101", Status: "primary"}}

	mock.ExpectQuery("FROM call_routings WHERE id").
		WithArgs("cr-1").
		WillReturnRows(routingRow(t, "cr-1", "+15550001111", schema))
	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", primaryDial, false))
	// Backup dial gets appended.
	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", primaryDial, false))
	mock.ExpectExec("UPDATE call_routing_logs SET dial_to").
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := svc.HandleDialStatus(context.Background(), "cr-1", "CA1", "no-answer")
	require.NoError(t, err)

	assert.Contains(t, out, ">+16505550202</Dial>")
	assert.NotContains(t, out, "action=", "the backup dial is the last attempt")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDialStatus_BackupAlreadyTriedDropsCall(t *testing.T) {
	svc, mock, _ := newRoutingService(t)
	schema := db.RoutingSchema{
		Type:              db.RoutingTargetPhoneNumber,
		PhoneNumber:       "+16505550101",
		BackupType:        db.RoutingTargetPhoneNumber,
		BackupPhoneNumber: "+16505550202",
		CallDropText:      "Nobody is available, please email support.",
	}
	dials := []db.DialEntry{
		{CallSID: "CA1", PhoneNumber: "+16505550101", Status: "primary"},
		{CallSID: "CA1", PhoneNumber: "+16505550202", Status: "backup"},
	}

	mock.ExpectQuery("FROM call_routings WHERE id").
		WithArgs("cr-1").
		WillReturnRows(routingRow(t, "cr-1", "+15550001111", schema))
	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", dials, false))

	out, err := svc.HandleDialStatus(context.Background(), "cr-1", "CA1", "busy")
	require.NoError(t, err)

	assert.Contains(t, out, "<Say>Nobody is available, please email support.</Say>")
	assert.NotContains(t, out, "<Dial")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeRoutedCall_AlreadyChargedIsNoop(t *testing.T) {
	svc, mock, phone := newRoutingService(t)

	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", nil, true))

	require.NoError(t, svc.ChargeRoutedCall(context.Background(), "CA1"))
	assert.Zero(t, phone.lookups, "a charged call is never re-fetched from the provider")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeRoutedCall_SettlesWithMarkup(t *testing.T) {
	svc, mock, phone := newRoutingService(t)
	phone.details = CallDetails{Price: 0.5, Duration: "42", Status: "completed"}

	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", nil, false))
	mock.ExpectExec("UPDATE call_routing_logs SET price").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE call_routing_logs SET charged = true").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM call_routings WHERE id").
		WithArgs("cr-1").
		WillReturnRows(routingRow(t, "cr-1", "+15550001111", db.RoutingSchema{}))

	// Price 0.5 with the markup debits 0.65 from the project.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance FROM projects").
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(10.0))
	mock.ExpectExec("UPDATE projects SET balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO alert_charges").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.ChargeRoutedCall(context.Background(), "CA1"))
	assert.Equal(t, 1, phone.lookups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeRoutedCall_LostMarkRaceSkipsCharge(t *testing.T) {
	svc, mock, phone := newRoutingService(t)
	phone.details = CallDetails{Price: 0.5}

	mock.ExpectQuery("FROM call_routing_logs WHERE call_sid").
		WithArgs("CA1").
		WillReturnRows(callLogRow("CA1", nil, false))
	mock.ExpectExec("UPDATE call_routing_logs SET price").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// A concurrent callback flipped the flag first.
	mock.ExpectExec("UPDATE call_routing_logs SET charged = true").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, svc.ChargeRoutedCall(context.Background(), "CA1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
