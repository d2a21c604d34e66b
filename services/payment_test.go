package services

import (
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswatch/oncall/db"
)

func TestSMSSegments(t *testing.T) {
	assert.Equal(t, 1, SMSSegments(""))
	assert.Equal(t, 1, SMSSegments("x"))
	assert.Equal(t, 1, SMSSegments(strings.Repeat("a", 160)))
	assert.Equal(t, 2, SMSSegments(strings.Repeat("a", 161)))
	assert.Equal(t, 2, SMSSegments(strings.Repeat("a", 320)))
	assert.Equal(t, 3, SMSSegments(strings.Repeat("a", 321)))
}

func TestGetCountryType(t *testing.T) {
	assert.Equal(t, CountryTypeUS, GetCountryType("+14155551234"))
	assert.Equal(t, CountryTypeNonUS, GetCountryType("+4915112345678"))
	assert.Equal(t, CountryTypeRisk, GetCountryType("+5351234567"))
	assert.Equal(t, CountryTypeRisk, GetCountryType("+2165551234"))
}

func TestSMSPrice(t *testing.T) {
	assert.InDelta(t, SMSSegmentPriceUS, SMSPrice("+14155551234", "short"), 1e-9)
	assert.InDelta(t, 2*SMSSegmentPriceUS, SMSPrice("+14155551234", strings.Repeat("a", 320)), 1e-9)
	assert.InDelta(t, SMSSegmentPriceNonUS, SMSPrice("+4915112345678", "short"), 1e-9)
}

func TestChargeProject(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM projects`).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(10.0))
	mock.ExpectExec(`UPDATE projects SET balance`).
		WithArgs("proj-1", 9.5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_charges`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewPaymentService(pg)
	closing, err := svc.ChargeProject(Charge{
		ProjectID:  "proj-1",
		Amount:     0.5,
		MonitorID:  "mon-1",
		IncidentID: "inc-1",
		SentTo:     "+14155551234",
	})
	require.NoError(t, err)
	assert.InDelta(t, 9.5, closing, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeCards struct {
	charged []float64
	err     error
}

func (f *fakeCards) ChargeCard(projectID string, amount float64) error {
	f.charged = append(f.charged, amount)
	return f.err
}

func TestCheckAndRechargeBalance_AboveMinimumIsNoop(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewPaymentService(pg)
	project := db.Project{ID: "proj-1", Balance: 50, AlertOptions: db.AlertOptions{MinimumBalance: 10}}

	balance, err := svc.CheckAndRechargeBalance(project)
	require.NoError(t, err)
	assert.InDelta(t, 50, balance, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAndRechargeBalance_TopsUpThroughCard(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectExec(`UPDATE projects SET balance`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewPaymentService(pg)
	cards := &fakeCards{}
	svc.Cards = cards

	project := db.Project{ID: "proj-1", Balance: 2, AlertOptions: db.AlertOptions{
		MinimumBalance:    5,
		RechargeToBalance: 20,
	}}

	balance, err := svc.CheckAndRechargeBalance(project)
	require.NoError(t, err)
	assert.InDelta(t, 20, balance, 1e-9)
	require.Len(t, cards.charged, 1)
	assert.InDelta(t, 18, cards.charged[0], 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAndRechargeBalance_NoCardCollaborator(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewPaymentService(pg)
	project := db.Project{ID: "proj-1", Balance: 2, AlertOptions: db.AlertOptions{
		MinimumBalance:    5,
		RechargeToBalance: 20,
	}}

	// Without a card gateway the low balance is returned as-is and
	// the caller's gate blocks the send.
	balance, err := svc.CheckAndRechargeBalance(project)
	require.NoError(t, err)
	assert.InDelta(t, 2, balance, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeProject_RollsBackOnDebitFailure(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM projects`).
		WithArgs("proj-1").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	svc := NewPaymentService(pg)
	_, err = svc.ChargeProject(Charge{ProjectID: "proj-1", Amount: 1})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
