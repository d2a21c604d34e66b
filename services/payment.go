package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/statuswatch/oncall/db"
)

// Per-unit prices billed against the project balance, in USD.
const (
	SMSSegmentPriceUS    = 0.01
	SMSSegmentPriceNonUS = 0.05
	CallPriceMarkup      = 1.3
	SMSSegmentBytes      = 160
)

// Country billing classes for metered channels.
const (
	CountryTypeUS    = "us"
	CountryTypeNonUS = "non-us"
	CountryTypeRisk  = "risk"
)

// Dial prefixes of destinations with elevated toll-fraud risk. Calls
// and SMS to these require an explicit project opt-in.
var highRiskPrefixes = []string{
	"+53", "+216", "+235", "+249", "+252", "+370", "+371", "+372", "+382", "+599",
}

// cardCharger bills the project owner's card during an automatic
// balance top-up. Hosted deployments plug a gateway client in; a nil
// collaborator disables auto-recharge.
type cardCharger interface {
	ChargeCard(projectID string, amount float64) error
}

// PaymentService debits project balances for metered sends and keeps
// the immutable charge audit.
type PaymentService struct {
	PG       *sql.DB
	Projects *db.ProjectStore
	Charges  *db.AlertChargeStore
	Cards    cardCharger
}

func NewPaymentService(pg *sql.DB) *PaymentService {
	return &PaymentService{
		PG:       pg,
		Projects: db.NewProjectStore(pg),
		Charges:  db.NewAlertChargeStore(pg),
	}
}

// SMSSegments returns the number of billable segments for a message
// body. Bodies bill in 160-byte segments; an empty body still counts
// as one.
func SMSSegments(body string) int {
	n := len(body)
	if n == 0 {
		return 1
	}
	return (n + SMSSegmentBytes - 1) / SMSSegmentBytes
}

// GetCountryType classifies a phone number into a billing class by its
// dial prefix.
func GetCountryType(phoneNumber string) string {
	for _, prefix := range highRiskPrefixes {
		if strings.HasPrefix(phoneNumber, prefix) {
			return CountryTypeRisk
		}
	}
	if strings.HasPrefix(phoneNumber, "+1") {
		return CountryTypeUS
	}
	return CountryTypeNonUS
}

// SMSPrice returns the price of one message to the given number.
func SMSPrice(phoneNumber, body string) float64 {
	segments := float64(SMSSegments(body))
	if GetCountryType(phoneNumber) == CountryTypeUS {
		return segments * SMSSegmentPriceUS
	}
	return segments * SMSSegmentPriceNonUS
}

// Charge describes one debit against a project balance.
type Charge struct {
	ProjectID  string
	Amount     float64
	AlertID    string
	MonitorID  string
	IncidentID string
	SentTo     string
}

// ChargeProject debits the balance and writes a charge audit row in a
// single transaction. The row-level lock on the project serializes
// concurrent charges so the closing balance in the audit is exact.
func (s *PaymentService) ChargeProject(c Charge) (float64, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin charge transaction: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRow(`SELECT balance FROM projects WHERE id = $1 FOR UPDATE`, c.ProjectID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock project balance: %w", err)
	}

	closing := balance - c.Amount
	_, err = tx.Exec(`UPDATE projects SET balance = $2 WHERE id = $1`, c.ProjectID, closing)
	if err != nil {
		return 0, fmt.Errorf("failed to debit project balance: %w", err)
	}

	_, err = s.Charges.CreateTx(tx, db.AlertCharge{
		ProjectID:      c.ProjectID,
		ChargeAmount:   c.Amount,
		ClosingBalance: closing,
		AlertID:        c.AlertID,
		MonitorID:      c.MonitorID,
		IncidentID:     c.IncidentID,
		SentTo:         c.SentTo,
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit charge: %w", err)
	}

	if closing < 0 {
		log.Printf("Project %s balance went negative (%.4f) after charge of %.4f", c.ProjectID, closing, c.Amount)
	}
	return closing, nil
}

// CheckAndRechargeBalance verifies the project can pay for a metered
// send, topping the balance up first when the project configured
// auto-recharge. It returns the balance the gate should check against
// the project's minimum.
func (s *PaymentService) CheckAndRechargeBalance(project db.Project) (float64, error) {
	minimum := project.AlertOptions.MinimumBalance
	if project.Balance > minimum && project.Balance > 0 {
		return project.Balance, nil
	}

	target := project.AlertOptions.RechargeToBalance
	if s.Cards == nil || target <= project.Balance {
		return project.Balance, nil
	}
	if err := s.Cards.ChargeCard(project.ID, target-project.Balance); err != nil {
		return project.Balance, fmt.Errorf("failed to recharge project %s: %w", project.ID, err)
	}
	if err := s.Projects.UpdateBalance(project.ID, target); err != nil {
		return target, fmt.Errorf("failed to record recharged balance: %w", err)
	}
	log.Printf("Recharged project %s balance to %.2f", project.ID, target)
	return target, nil
}
