package db

import (
	"fmt"
	"time"
)

// ===========================
// ALERT CHANNELS & EVENTS
// ===========================

// AlertType identifies the delivery channel of an alert attempt.
type AlertType string

const (
	AlertTypeCall    AlertType = "Call"
	AlertTypeSMS     AlertType = "SMS"
	AlertTypeEmail   AlertType = "Email"
	AlertTypePush    AlertType = "Push"
	AlertTypeWebhook AlertType = "Webhook"
)

// Alert statuses. An empty status together with Error=true means the
// attempt was blocked before any provider call was made.
const (
	AlertStatusSuccess   = "Success"
	AlertStatusNotOnDuty = "Not on Duty"
	AlertStatusCannot    = "Cannot Send"
	AlertStatusPending   = "Pending"
	AlertStatusSent      = "Sent"
	AlertStatusNotSent   = "Not Sent"
	AlertStatusDisabled  = "Disabled"
)

// EventType is the incident lifecycle event an alert belongs to.
type EventType string

const (
	EventIncidentIdentified   EventType = "identified"
	EventIncidentAcknowledged EventType = "acknowledged"
	EventIncidentResolved     EventType = "resolved"
	EventNoteCreated          EventType = "Investigation note created"
	EventNoteUpdated          EventType = "Investigation note updated"
	EventNoteDeleted          EventType = "Investigation note deleted"
)

// AlertProgress is the reminder position of an attempt within the
// current escalation policy, rendered as "current/total" in audit rows.
type AlertProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (p *AlertProgress) String() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}

// ===========================
// SCHEDULES & ESCALATION
// ===========================

// TeamMember is one entry of an escalation policy's active team. Duty
// windows are time-of-day strings ("15:04"); empty bounds mean always on
// duty.
type TeamMember struct {
	UserID    string `json:"user_id"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

// EscalationPolicy is one link of a schedule's notification chain: an
// ordered team plus per-channel enablement and reminder quotas.
type EscalationPolicy struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ScheduleID string `json:"schedule_id"`

	Call  bool `json:"call"`
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Push  bool `json:"push"`

	CallReminders  int `json:"call_reminders"`
	EmailReminders int `json:"email_reminders"`
	SMSReminders   int `json:"sms_reminders"`
	PushReminders  int `json:"push_reminders"`

	Team []TeamMember `json:"team"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule is an on-call rotation owning an ordered list of escalation
// policies. Read-only input during an alert run.
type Schedule struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	EscalationIDs []string  `json:"escalation_ids"`
	MonitorIDs    []string  `json:"monitor_ids"`
	IsDefault     bool      `json:"is_default"`
	CreatedAt     time.Time `json:"created_at"`
}

// EscalationStatus is the per-policy reminder progress embedded in an
// OnCallScheduleStatus. Only the last element of the escalations array
// is ever mutated; counters are monotonically non-decreasing and bounded
// by the owning policy's quotas.
type EscalationStatus struct {
	EscalationID       string `json:"escalation"`
	CallRemindersSent  int    `json:"call_reminders_sent"`
	EmailRemindersSent int    `json:"email_reminders_sent"`
	SMSRemindersSent   int    `json:"sms_reminders_sent"`
	PushRemindersSent  int    `json:"push_reminders_sent"`
}

// OnCallScheduleStatus is the mutable progress record for one
// (incident, schedule) pair. Version backs the compare-and-swap update
// used to keep concurrent reminder ticks from clobbering each other.
type OnCallScheduleStatus struct {
	ID                   string             `json:"id"`
	ProjectID            string             `json:"project_id"`
	IncidentID           string             `json:"incident_id"`
	ScheduleID           string             `json:"schedule_id,omitempty"`
	ActiveEscalationID   string             `json:"active_escalation_id,omitempty"`
	Escalations          []EscalationStatus `json:"escalations"`
	IncidentAcknowledged bool               `json:"incident_acknowledged"`
	IsOnDuty             bool               `json:"is_on_duty"`
	AlertedEveryone      bool               `json:"alerted_everyone"`
	Version              int                `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// CurrentEscalationStatus returns the last (mutable) element of the
// escalations array, or nil when none was activated yet.
func (s *OnCallScheduleStatus) CurrentEscalationStatus() *EscalationStatus {
	if len(s.Escalations) == 0 {
		return nil
	}
	return &s.Escalations[len(s.Escalations)-1]
}

// ===========================
// AUDIT LOGS
// ===========================

// Alert is the append-only audit record of one on-call delivery attempt.
// Rows are never updated after creation except by soft delete.
type Alert struct {
	ID                     string    `json:"id"`
	ProjectID              string    `json:"project_id"`
	MonitorID              string    `json:"monitor_id"`
	IncidentID             string    `json:"incident_id"`
	UserID                 string    `json:"user_id"`
	ScheduleID             string    `json:"schedule_id,omitempty"`
	EscalationID           string    `json:"escalation_id,omitempty"`
	OnCallScheduleStatusID string    `json:"on_call_schedule_status_id,omitempty"`
	AlertVia               AlertType `json:"alert_via"`
	AlertStatus            string    `json:"alert_status,omitempty"`
	Error                  bool      `json:"error"`
	ErrorMessage           string    `json:"error_message,omitempty"`
	EventType              EventType `json:"event_type"`
	AlertProgress          string    `json:"alert_progress,omitempty"`
	Deleted                bool      `json:"deleted"`
	CreatedAt              time.Time `json:"created_at"`
}

// SubscriberAlert is the audit record of one status-page subscriber
// notification. Unlike Alert it is created Pending and updated in place
// to a terminal status.
type SubscriberAlert struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	IncidentID       string    `json:"incident_id"`
	SubscriberID     string    `json:"subscriber_id"`
	AlertVia         AlertType `json:"alert_via"`
	AlertStatus      string    `json:"alert_status,omitempty"`
	Error            bool      `json:"error"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	EventType        EventType `json:"event_type"`
	TotalSubscribers int       `json:"total_subscribers"`
	BatchID          string    `json:"batch_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AlertCharge links a successful metered alert to a billing debit.
// Immutable.
type AlertCharge struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	ChargeAmount   float64   `json:"charge_amount"`
	ClosingBalance float64   `json:"closing_balance"`
	AlertID        string    `json:"alert_id,omitempty"`
	MonitorID      string    `json:"monitor_id"`
	IncidentID     string    `json:"incident_id"`
	SentTo         string    `json:"sent_to,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ===========================
// CALL ROUTING
// ===========================

// Routing target types accepted in a routing schema.
const (
	RoutingTargetTeamMember  = "TeamMember"
	RoutingTargetSchedule    = "Schedule"
	RoutingTargetPhoneNumber = "PhoneNumber"
)

// RoutingSchema is the forwarding configuration of a routed number:
// a primary target, an optional backup, and optional voice prompts.
type RoutingSchema struct {
	Type              string `json:"type,omitempty"`
	ID                string `json:"id,omitempty"`
	PhoneNumber       string `json:"phone_number,omitempty"`
	BackupType        string `json:"backup_type,omitempty"`
	BackupID          string `json:"backup_id,omitempty"`
	BackupPhoneNumber string `json:"backup_phone_number,omitempty"`
	IntroText         string `json:"intro_text,omitempty"`
	BackupIntroText   string `json:"backup_intro_text,omitempty"`
	IntroAudio        string `json:"intro_audio,omitempty"`
	BackupIntroAudio  string `json:"backup_intro_audio,omitempty"`
	CallDropText      string `json:"call_drop_text,omitempty"`
	ShowAdvance       bool   `json:"show_advance"`
}

// CallRouting is a provisioned inbound number and its routing schema.
type CallRouting struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	PhoneNumber    string        `json:"phone_number"`
	Locality       string        `json:"locality,omitempty"`
	Region         string        `json:"region,omitempty"`
	CountryCode    string        `json:"country_code,omitempty"`
	Price          float64       `json:"price"`
	SID            string        `json:"sid,omitempty"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	RoutingSchema  RoutingSchema `json:"routing_schema"`
	Deleted        bool          `json:"deleted"`
	CreatedAt      time.Time     `json:"created_at"`
}

// DialEntry records one participant dialed during a routed call.
type DialEntry struct {
	CallSID     string `json:"call_sid"`
	UserID      string `json:"user_id,omitempty"`
	ScheduleID  string `json:"schedule_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status,omitempty"`
}

// CallRoutingLog is one inbound routed call, keyed by the provider call
// session id. DialTo is the ordered log of every dial attempt made
// during the call's lifetime.
type CallRoutingLog struct {
	ID            string      `json:"id"`
	CallRoutingID string      `json:"call_routing_id"`
	CallSID       string      `json:"call_sid"`
	CalledFrom    string      `json:"called_from"`
	CalledTo      string      `json:"called_to"`
	DialTo        []DialEntry `json:"dial_to"`
	Price         float64     `json:"price"`
	Duration      string      `json:"duration,omitempty"`
	Charged       bool        `json:"charged"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ===========================
// COLLABORATOR RECORDS
// ===========================

type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	AlertPhoneNumber string    `json:"alert_phone_number,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	DeviceTokens     []string  `json:"device_tokens,omitempty"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// AlertOptions are the per-project billing/compliance toggles for
// metered channels.
type AlertOptions struct {
	BillingUS             bool    `json:"billing_us"`
	BillingNonUSCountries bool    `json:"billing_non_us_countries"`
	BillingRiskCountries  bool    `json:"billing_risk_countries"`
	MinimumBalance        float64 `json:"minimum_balance,omitempty"`
	RechargeToBalance     float64 `json:"recharge_to_balance,omitempty"`
}

type Project struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Slug              string       `json:"slug"`
	OwnerUserID       string       `json:"owner_user_id"`
	Balance           float64      `json:"balance"`
	AlertEnable       bool         `json:"alert_enable"`
	AlertLimit        int          `json:"alert_limit,omitempty"`
	AlertLimitReached bool         `json:"alert_limit_reached"`
	AlertOptions      AlertOptions `json:"alert_options"`

	// Subscriber notification toggles.
	SendCreatedIncidentNotificationEmail       bool `json:"send_created_incident_notification_email"`
	SendAcknowledgedIncidentNotificationEmail  bool `json:"send_acknowledged_incident_notification_email"`
	SendResolvedIncidentNotificationEmail      bool `json:"send_resolved_incident_notification_email"`
	SendCreatedIncidentNotificationSMS         bool `json:"send_created_incident_notification_sms"`
	SendAcknowledgedIncidentNotificationSMS    bool `json:"send_acknowledged_incident_notification_sms"`
	SendResolvedIncidentNotificationSMS        bool `json:"send_resolved_incident_notification_sms"`
	EnableInvestigationNoteNotificationEmail   bool `json:"enable_investigation_note_notification_email"`
	EnableInvestigationNoteNotificationSMS     bool `json:"enable_investigation_note_notification_sms"`
	EnableInvestigationNoteNotificationWebhook bool `json:"enable_investigation_note_notification_webhook"`

	CreatedAt time.Time `json:"created_at"`
}

// MatchedCriterion is the monitoring criterion that opened the incident;
// it may pin explicit schedules.
type MatchedCriterion struct {
	Name        string   `json:"name,omitempty"`
	ScheduleIDs []string `json:"schedule_ids,omitempty"`
}

type Monitor struct {
	ID                   string            `json:"id"`
	ProjectID            string            `json:"project_id"`
	ComponentID          string            `json:"component_id"`
	Name                 string            `json:"name"`
	URL                  string            `json:"url,omitempty"`
	Method               string            `json:"method,omitempty"`
	LastMatchedCriterion *MatchedCriterion `json:"last_matched_criterion,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

type Incident struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	MonitorID       string     `json:"monitor_id"`
	IDNumber        int        `json:"id_number"`
	IncidentType    string     `json:"incident_type"`
	Reason          string     `json:"reason,omitempty"`
	ManuallyCreated bool       `json:"manually_created"`
	CreatedByName   string     `json:"created_by_name,omitempty"`
	Acknowledged    bool       `json:"acknowledged"`
	Resolved        bool       `json:"resolved"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Subscriber struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	MonitorID      string    `json:"monitor_id"`
	StatusPageID   string    `json:"status_page_id,omitempty"`
	AlertVia       AlertType `json:"alert_via"`
	ContactEmail   string    `json:"contact_email,omitempty"`
	ContactPhone   string    `json:"contact_phone,omitempty"`
	CountryCode    string    `json:"country_code,omitempty"`
	ContactWebhook string    `json:"contact_webhook,omitempty"`
	WebhookMethod  string    `json:"webhook_method,omitempty"`
	MonitorName    string    `json:"monitor_name,omitempty"`
	Subscribed     bool      `json:"subscribed"`
}

type StatusPage struct {
	ID                  string   `json:"id"`
	ProjectID           string   `json:"project_id"`
	Name                string   `json:"name"`
	IsSubscriberEnabled bool     `json:"is_subscriber_enabled"`
	Domains             []string `json:"domains,omitempty"`
}

// GlobalConfig is one admin-dashboard settings row ("twilio", "smtp",
// "push") with a free-form value.
type GlobalConfig struct {
	Name      string                 `json:"name"`
	Value     map[string]interface{} `json:"value"`
	CreatedAt time.Time              `json:"created_at"`
}

// BoolValue reads a boolean toggle from the config value, missing keys
// read as false.
func (g *GlobalConfig) BoolValue(key string) bool {
	if g == nil || g.Value == nil {
		return false
	}
	v, ok := g.Value[key].(bool)
	return ok && v
}
