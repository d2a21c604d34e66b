package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/statuswatch/oncall/db"
)

type subscriberFinder interface {
	SubscribersForAlert(monitorID string) ([]db.Subscriber, error)
}

type subscriberAlertStore interface {
	Create(alert db.SubscriberAlert) (db.SubscriberAlert, error)
	UpdateStatus(id, status, errorMessage string) error
}

type statusPageFinder interface {
	FindEnabled(id string) (db.StatusPage, error)
}

// SubscriberService fans incident lifecycle events out to status-page
// subscribers. Every subscriber gets a Pending audit row up front;
// rows then settle in place to Sent, Disabled, or a null status
// carrying the error message.
type SubscriberService struct {
	Subscribers subscriberFinder
	Audits      subscriberAlertStore
	StatusPages statusPageFinder
	Projects    projectFinder
	Monitors    monitorFinder
	Incidents   incidentFinder
	Settings    settingsFinder
	Payments    balanceCharger

	Phone   PhoneProvider
	Mail    MailProvider
	Webhook WebhookProvider
}

func NewSubscriberService(pg *sql.DB, phone PhoneProvider, mail MailProvider, webhook WebhookProvider) *SubscriberService {
	return &SubscriberService{
		Subscribers: db.NewSubscriberStore(pg),
		Audits:      db.NewSubscriberAlertStore(pg),
		StatusPages: db.NewStatusPageStore(pg),
		Projects:    db.NewProjectStore(pg),
		Monitors:    db.NewMonitorStore(pg),
		Incidents:   db.NewIncidentStore(pg),
		Settings:    db.NewGlobalConfigStore(pg),
		Payments:    NewPaymentService(pg),
		Phone:       phone,
		Mail:        mail,
		Webhook:     webhook,
	}
}

// channelEnabled maps the project's per-event notification toggles to
// a subscriber's channel.
func channelEnabled(project db.Project, alertVia db.AlertType, eventType db.EventType) bool {
	switch alertVia {
	case db.AlertTypeEmail:
		switch eventType {
		case db.EventIncidentIdentified:
			return project.SendCreatedIncidentNotificationEmail
		case db.EventIncidentAcknowledged:
			return project.SendAcknowledgedIncidentNotificationEmail
		case db.EventIncidentResolved:
			return project.SendResolvedIncidentNotificationEmail
		case db.EventNoteCreated, db.EventNoteUpdated, db.EventNoteDeleted:
			return project.EnableInvestigationNoteNotificationEmail
		}
	case db.AlertTypeSMS:
		switch eventType {
		case db.EventIncidentIdentified:
			return project.SendCreatedIncidentNotificationSMS
		case db.EventIncidentAcknowledged:
			return project.SendAcknowledgedIncidentNotificationSMS
		case db.EventIncidentResolved:
			return project.SendResolvedIncidentNotificationSMS
		case db.EventNoteCreated, db.EventNoteUpdated, db.EventNoteDeleted:
			return project.EnableInvestigationNoteNotificationSMS
		}
	case db.AlertTypeWebhook:
		switch eventType {
		case db.EventNoteCreated, db.EventNoteUpdated, db.EventNoteDeleted:
			return project.EnableInvestigationNoteNotificationWebhook
		default:
			// Webhook subscribers get every lifecycle event; only
			// investigation notes are gated separately.
			return true
		}
	}
	return false
}

// NotifySubscribers sends one lifecycle event to every subscriber of
// the incident's monitor.
func (s *SubscriberService) NotifySubscribers(ctx context.Context, incidentID string, eventType db.EventType, message string) error {
	incident, err := s.Incidents.FindByID(incidentID)
	if err != nil {
		return fmt.Errorf("failed to load incident %s: %w", incidentID, err)
	}
	project, err := s.Projects.FindByID(incident.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", incident.ProjectID, err)
	}
	monitor, err := s.Monitors.FindByID(incident.MonitorID)
	if err != nil {
		return fmt.Errorf("failed to load monitor %s: %w", incident.MonitorID, err)
	}

	subscribers, err := s.Subscribers.SubscribersForAlert(monitor.ID)
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}
	if len(subscribers) == 0 {
		return nil
	}

	if message == "" {
		message = fmt.Sprintf("Incident #%d: %s is experiencing issues.", incident.IDNumber, monitor.Name)
	}

	batchID := uuid.New().String()
	pageEnabled := map[string]bool{}

	for _, sub := range subscribers {
		audit, err := s.Audits.Create(db.SubscriberAlert{
			ProjectID:        project.ID,
			IncidentID:       incident.ID,
			SubscriberID:     sub.ID,
			AlertVia:         sub.AlertVia,
			AlertStatus:      db.AlertStatusPending,
			EventType:        eventType,
			TotalSubscribers: len(subscribers),
			BatchID:          batchID,
		})
		if err != nil {
			log.Printf("Failed to create subscriber alert audit: %v", err)
			continue
		}

		if sub.StatusPageID != "" {
			enabled, seen := pageEnabled[sub.StatusPageID]
			if !seen {
				_, err := s.StatusPages.FindEnabled(sub.StatusPageID)
				enabled = err == nil
				pageEnabled[sub.StatusPageID] = enabled
			}
			if !enabled {
				s.settle(audit.ID, db.AlertStatusDisabled, "")
				continue
			}
		}

		if !channelEnabled(project, sub.AlertVia, eventType) {
			s.settle(audit.ID, db.AlertStatusDisabled, "")
			continue
		}

		switch sub.AlertVia {
		case db.AlertTypeEmail:
			s.sendSubscriberMail(ctx, audit.ID, sub, monitor, message)
		case db.AlertTypeSMS:
			s.sendSubscriberSMS(ctx, audit.ID, sub, project, incident, monitor, message)
		case db.AlertTypeWebhook:
			s.sendSubscriberWebhook(ctx, audit.ID, sub, incident, monitor, eventType, message)
		default:
			s.settle(audit.ID, db.AlertStatusDisabled, fmt.Sprintf("unsupported channel %s", sub.AlertVia))
		}
	}
	return nil
}

func (s *SubscriberService) settle(auditID, status, errorMessage string) {
	if err := s.Audits.UpdateStatus(auditID, status, errorMessage); err != nil {
		log.Printf("Failed to settle subscriber alert %s: %v", auditID, err)
	}
}

func (s *SubscriberService) sendSubscriberMail(ctx context.Context, auditID string, sub db.Subscriber, monitor db.Monitor, message string) {
	if sub.ContactEmail == "" {
		s.settle(auditID, "", "No email address")
		return
	}

	err := s.Mail.SendIncidentMail(ctx, IncidentMail{
		To:       sub.ContactEmail,
		Subject:  fmt.Sprintf("%s status update", monitor.Name),
		Template: "subscriber_incident",
		Data: map[string]interface{}{
			"MonitorName":    monitor.Name,
			"Message":        message,
			"StatusPageName": sub.MonitorName,
		},
	})
	if err != nil {
		s.settle(auditID, "", err.Error())
		return
	}
	s.settle(auditID, db.AlertStatusSent, "")
}

// subscriberSMSGate runs the hosted-mode checks before a metered
// subscriber SMS: global toggle, project enable, destination
// compliance, balance. Projects with their own telephony credentials
// bypass it.
func (s *SubscriberService) subscriberSMSGate(project db.Project, contactPhone string) (blocked string, custom bool, err error) {
	custom, err = s.Settings.HasProjectTwilioSettings(project.ID)
	if err != nil || custom {
		return "", custom, err
	}

	settings, err := s.Settings.FindByName("twilio")
	if err != nil {
		return "", false, err
	}
	if settings == nil {
		return MsgTwilioNotConfigured, false, nil
	}
	if !settings.BoolValue(phoneToggleKey(db.AlertTypeSMS)) {
		return MsgAlertDisabledGlobally, false, nil
	}
	if !project.AlertEnable {
		return MsgAlertDisabledProject, false, nil
	}

	switch GetCountryType(contactPhone) {
	case CountryTypeUS:
		if !project.AlertOptions.BillingUS {
			return MsgUSNotEnabled, false, nil
		}
	case CountryTypeRisk:
		if !project.AlertOptions.BillingRiskCountries {
			return MsgRiskNotEnabled, false, nil
		}
	default:
		if !project.AlertOptions.BillingNonUSCountries {
			return MsgNonUSNotEnabled, false, nil
		}
	}

	balance, err := s.Payments.CheckAndRechargeBalance(project)
	if err != nil {
		return "", false, err
	}
	if balance <= 0 || balance <= project.AlertOptions.MinimumBalance {
		return MsgInsufficientBalance, false, nil
	}
	return "", false, nil
}

func (s *SubscriberService) sendSubscriberSMS(ctx context.Context, auditID string, sub db.Subscriber, project db.Project, incident db.Incident, monitor db.Monitor, message string) {
	if sub.ContactPhone == "" {
		s.settle(auditID, "", "No phone number")
		return
	}

	blocked, custom, err := s.subscriberSMSGate(project, sub.ContactPhone)
	if err != nil {
		log.Printf("Subscriber SMS gate check failed for incident %s: %v", incident.ID, err)
		s.settle(auditID, "", err.Error())
		return
	}
	if blocked != "" {
		s.settle(auditID, "", blocked)
		return
	}

	result, err := s.Phone.SendSMS(ctx, sub.ContactPhone, message)
	if err != nil {
		s.settle(auditID, "", err.Error())
		return
	}
	if result.Code != 0 {
		s.settle(auditID, "", result.Message)
		return
	}
	s.settle(auditID, db.AlertStatusSent, "")

	if !custom {
		_, err := s.Payments.ChargeProject(Charge{
			ProjectID:  project.ID,
			Amount:     SMSPrice(sub.ContactPhone, message),
			MonitorID:  monitor.ID,
			IncidentID: incident.ID,
			SentTo:     sub.ContactPhone,
		})
		if err != nil {
			log.Printf("Failed to charge subscriber SMS for incident %s: %v", incident.ID, err)
		}
	}
}

func (s *SubscriberService) sendSubscriberWebhook(ctx context.Context, auditID string, sub db.Subscriber, incident db.Incident, monitor db.Monitor, eventType db.EventType, message string) {
	if sub.ContactWebhook == "" {
		s.settle(auditID, "", "No webhook URL")
		return
	}

	payload := map[string]interface{}{
		"incident_id":   incident.ID,
		"incident_no":   incident.IDNumber,
		"monitor_id":    monitor.ID,
		"monitor_name":  monitor.Name,
		"event_type":    eventType,
		"message":       message,
		"incident_type": incident.IncidentType,
	}

	if err := s.Webhook.SendWebhook(ctx, sub.ContactWebhook, sub.WebhookMethod, payload); err != nil {
		s.settle(auditID, "", err.Error())
		return
	}
	s.settle(auditID, db.AlertStatusSent, "")
}
