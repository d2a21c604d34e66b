package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriberStore reads status-page subscribers.
type SubscriberStore struct {
	PG *sql.DB
}

func NewSubscriberStore(pg *sql.DB) *SubscriberStore {
	return &SubscriberStore{PG: pg}
}

// SubscribersForAlert returns the subscribed subscribers of a monitor.
func (s *SubscriberStore) SubscribersForAlert(monitorID string) ([]Subscriber, error) {
	query := `
		SELECT id, project_id, monitor_id, COALESCE(status_page_id, ''),
		       alert_via, COALESCE(contact_email, ''), COALESCE(contact_phone, ''),
		       COALESCE(country_code, ''), COALESCE(contact_webhook, ''),
		       COALESCE(webhook_method, ''), COALESCE(monitor_name, ''), subscribed
		FROM subscribers
		WHERE monitor_id = $1 AND subscribed = true AND deleted = false
		ORDER BY created_at ASC`

	rows, err := s.PG.Query(query, monitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var subscribers []Subscriber
	for rows.Next() {
		var sub Subscriber
		err := rows.Scan(
			&sub.ID, &sub.ProjectID, &sub.MonitorID, &sub.StatusPageID,
			&sub.AlertVia, &sub.ContactEmail, &sub.ContactPhone,
			&sub.CountryCode, &sub.ContactWebhook,
			&sub.WebhookMethod, &sub.MonitorName, &sub.Subscribed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subscribers = append(subscribers, sub)
	}
	return subscribers, rows.Err()
}

// SubscriberAlertStore writes the subscriber notification audit log.
// Rows start Pending and are updated in place to a terminal status,
// unlike the append-only on-call alert log.
type SubscriberAlertStore struct {
	PG *sql.DB
}

func NewSubscriberAlertStore(pg *sql.DB) *SubscriberAlertStore {
	return &SubscriberAlertStore{PG: pg}
}

func (s *SubscriberAlertStore) Create(alert SubscriberAlert) (SubscriberAlert, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.CreatedAt = time.Now()
	alert.UpdatedAt = alert.CreatedAt

	query := `
		INSERT INTO subscriber_alerts (
			id, project_id, incident_id, subscriber_id, alert_via,
			alert_status, error, error_message, event_type,
			total_subscribers, batch_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, NULLIF($11, ''), $12, $13)`

	_, err := s.PG.Exec(query,
		alert.ID, alert.ProjectID, alert.IncidentID, alert.SubscriberID, string(alert.AlertVia),
		alert.AlertStatus, alert.Error, alert.ErrorMessage, string(alert.EventType),
		alert.TotalSubscribers, alert.BatchID, alert.CreatedAt, alert.UpdatedAt)
	if err != nil {
		return alert, fmt.Errorf("failed to insert subscriber alert: %w", err)
	}
	return alert, nil
}

// UpdateStatus moves a Pending subscriber alert to its terminal status.
func (s *SubscriberAlertStore) UpdateStatus(id, status, errorMessage string) error {
	query := `
		UPDATE subscriber_alerts
		SET alert_status = NULLIF($2, ''), error = $3, error_message = NULLIF($4, ''), updated_at = $5
		WHERE id = $1`
	_, err := s.PG.Exec(query, id, status, errorMessage != "", errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update subscriber alert status: %w", err)
	}
	return nil
}
