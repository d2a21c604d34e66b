package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallRoutingStore owns provisioned inbound numbers and their routing
// schemas.
type CallRoutingStore struct {
	PG *sql.DB
}

func NewCallRoutingStore(pg *sql.DB) *CallRoutingStore {
	return &CallRoutingStore{PG: pg}
}

const callRoutingColumns = `id, project_id, phone_number, COALESCE(locality, ''),
	COALESCE(region, ''), COALESCE(country_code, ''), price, COALESCE(sid, ''),
	COALESCE(subscription_id, ''), routing_schema, deleted, created_at`

func scanCallRouting(row interface{ Scan(...interface{}) error }) (CallRouting, error) {
	var cr CallRouting
	var schema []byte

	err := row.Scan(
		&cr.ID, &cr.ProjectID, &cr.PhoneNumber, &cr.Locality,
		&cr.Region, &cr.CountryCode, &cr.Price, &cr.SID,
		&cr.SubscriptionID, &schema, &cr.Deleted, &cr.CreatedAt)
	if err != nil {
		return cr, err
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &cr.RoutingSchema); err != nil {
			return cr, fmt.Errorf("failed to decode routing_schema: %w", err)
		}
	}
	return cr, nil
}

// FindByPhoneNumber resolves the routing record for an inbound call,
// sql.ErrNoRows when the number is not provisioned.
func (s *CallRoutingStore) FindByPhoneNumber(phoneNumber string) (CallRouting, error) {
	query := `SELECT ` + callRoutingColumns + ` FROM call_routings WHERE phone_number = $1 AND deleted = false`
	return scanCallRouting(s.PG.QueryRow(query, phoneNumber))
}

// FindByID returns a routing record, sql.ErrNoRows when missing.
func (s *CallRoutingStore) FindByID(id string) (CallRouting, error) {
	query := `SELECT ` + callRoutingColumns + ` FROM call_routings WHERE id = $1 AND deleted = false`
	return scanCallRouting(s.PG.QueryRow(query, id))
}

// FindByProject lists a project's provisioned numbers.
func (s *CallRoutingStore) FindByProject(projectID string) ([]CallRouting, error) {
	query := `
		SELECT ` + callRoutingColumns + `
		FROM call_routings
		WHERE project_id = $1 AND deleted = false
		ORDER BY created_at DESC`

	rows, err := s.PG.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call routings: %w", err)
	}
	defer rows.Close()

	var routings []CallRouting
	for rows.Next() {
		cr, err := scanCallRouting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call routing: %w", err)
		}
		routings = append(routings, cr)
	}
	return routings, rows.Err()
}

// Create inserts a freshly reserved number. The id is assigned here.
func (s *CallRoutingStore) Create(cr *CallRouting) error {
	cr.ID = uuid.New().String()
	cr.CreatedAt = time.Now()

	schema, err := json.Marshal(cr.RoutingSchema)
	if err != nil {
		return fmt.Errorf("failed to encode routing_schema: %w", err)
	}

	query := `
		INSERT INTO call_routings (
			id, project_id, phone_number, locality, region, country_code,
			price, sid, subscription_id, routing_schema, deleted, created_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7, NULLIF($8, ''), NULLIF($9, ''), $10, false, $11)`

	_, err = s.PG.Exec(query,
		cr.ID, cr.ProjectID, cr.PhoneNumber, cr.Locality, cr.Region, cr.CountryCode,
		cr.Price, cr.SID, cr.SubscriptionID, schema, cr.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create call routing: %w", err)
	}
	return nil
}

// UpdateSchema replaces the routing schema for a number.
func (s *CallRoutingStore) UpdateSchema(id string, schema RoutingSchema) error {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to encode routing_schema: %w", err)
	}

	query := `UPDATE call_routings SET routing_schema = $2, updated_at = $3 WHERE id = $1 AND deleted = false`
	_, err = s.PG.Exec(query, id, encoded, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update routing schema: %w", err)
	}
	return nil
}

// SoftDelete marks a released number deleted; its logs stay.
func (s *CallRoutingStore) SoftDelete(id string) error {
	query := `UPDATE call_routings SET deleted = true, updated_at = $2 WHERE id = $1`
	_, err := s.PG.Exec(query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete call routing: %w", err)
	}
	return nil
}

// CallRoutingLogStore owns the per-call dial and billing logs, keyed by
// the provider call session id.
type CallRoutingLogStore struct {
	PG *sql.DB
}

func NewCallRoutingLogStore(pg *sql.DB) *CallRoutingLogStore {
	return &CallRoutingLogStore{PG: pg}
}

const callRoutingLogColumns = `id, call_routing_id, call_sid, COALESCE(called_from, ''),
	COALESCE(called_to, ''), dial_to, price, COALESCE(duration, ''), charged,
	created_at, updated_at`

func scanCallRoutingLog(row interface{ Scan(...interface{}) error }) (CallRoutingLog, error) {
	var l CallRoutingLog
	var dialTo []byte

	err := row.Scan(
		&l.ID, &l.CallRoutingID, &l.CallSID, &l.CalledFrom,
		&l.CalledTo, &dialTo, &l.Price, &l.Duration, &l.Charged,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	if len(dialTo) > 0 {
		if err := json.Unmarshal(dialTo, &l.DialTo); err != nil {
			return l, fmt.Errorf("failed to decode dial_to: %w", err)
		}
	}
	return l, nil
}

// FindByCallSID returns the log for a call session, sql.ErrNoRows when
// no log exists yet.
func (s *CallRoutingLogStore) FindByCallSID(callSID string) (CallRoutingLog, error) {
	query := `SELECT ` + callRoutingLogColumns + ` FROM call_routing_logs WHERE call_sid = $1`
	return scanCallRoutingLog(s.PG.QueryRow(query, callSID))
}

// Create inserts the log row for a new inbound call.
func (s *CallRoutingLogStore) Create(l *CallRoutingLog) error {
	l.ID = uuid.New().String()
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now

	dialTo, err := json.Marshal(l.DialTo)
	if err != nil {
		return fmt.Errorf("failed to encode dial_to: %w", err)
	}

	query := `
		INSERT INTO call_routing_logs (
			id, call_routing_id, call_sid, called_from, called_to,
			dial_to, price, duration, charged, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''),
			$6, $7, NULLIF($8, ''), $9, $10, $11)`

	_, err = s.PG.Exec(query,
		l.ID, l.CallRoutingID, l.CallSID, l.CalledFrom, l.CalledTo,
		dialTo, l.Price, l.Duration, l.Charged, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create call routing log: %w", err)
	}
	return nil
}

// AppendDial adds one dial attempt to the call's dial log.
func (s *CallRoutingLogStore) AppendDial(callSID string, entry DialEntry) error {
	log, err := s.FindByCallSID(callSID)
	if err != nil {
		return fmt.Errorf("failed to load call routing log: %w", err)
	}

	log.DialTo = append(log.DialTo, entry)
	dialTo, err := json.Marshal(log.DialTo)
	if err != nil {
		return fmt.Errorf("failed to encode dial_to: %w", err)
	}

	query := `UPDATE call_routing_logs SET dial_to = $2, updated_at = $3 WHERE call_sid = $1`
	_, err = s.PG.Exec(query, callSID, dialTo, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update dial log: %w", err)
	}
	return nil
}

// SetPrice stores the settled call cost and duration from the provider
// call detail record.
func (s *CallRoutingLogStore) SetPrice(callSID string, price float64, duration string) error {
	query := `UPDATE call_routing_logs SET price = $2, duration = NULLIF($3, ''), updated_at = $4 WHERE call_sid = $1`
	_, err := s.PG.Exec(query, callSID, price, duration, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set call price: %w", err)
	}
	return nil
}

// MarkCharged flips the charged flag only when it was unset, so a call
// is billed at most once. Returns true when this caller won the flip.
func (s *CallRoutingLogStore) MarkCharged(callSID string) (bool, error) {
	query := `UPDATE call_routing_logs SET charged = true, updated_at = $2 WHERE call_sid = $1 AND charged = false`
	res, err := s.PG.Exec(query, callSID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark call charged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read charged result: %w", err)
	}
	return affected == 1, nil
}
