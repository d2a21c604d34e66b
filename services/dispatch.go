package services

import (
	"context"
	"fmt"
	"log"

	"github.com/statuswatch/oncall/db"
)

// Gate messages recorded on blocked delivery attempts.
const (
	MsgTwilioNotConfigured   = "Twilio Settings not found on Admin Dashboard"
	MsgSMTPNotConfigured     = "SMTP Settings not found on Admin Dashboard"
	MsgAlertDisabledGlobally = "Alert Disabled on Admin Dashboard"
	MsgAlertDisabledProject  = "Alert Disabled for this project"
	MsgNoPhoneNumber         = "No phone number"
	MsgUSNotEnabled          = "SMS/Calls for numbers inside US not enabled for this project"
	MsgNonUSNotEnabled       = "SMS/Calls for numbers outside US not enabled for this project"
	MsgRiskNotEnabled        = "SMS/Calls for numbers inside High Risk country not enabled for this project"
	MsgDailyLimitReached     = "Daily phone alert limit reached for this project"
	MsgInsufficientBalance   = "Insufficient project balance"
	MsgNoDeviceTokens        = "No registered devices"
)

// dispatchTarget bundles everything one channel send needs.
type dispatchTarget struct {
	incident  db.Incident
	monitor   db.Monitor
	project   db.Project
	status    db.OnCallScheduleStatus
	policy    db.EscalationPolicy
	user      db.User
	eventType db.EventType
	actorName string
}

func (t dispatchTarget) event() db.EventType {
	if t.eventType == "" {
		return db.EventIncidentIdentified
	}
	return t.eventType
}

// recordAlert writes one audit row for a delivery attempt. Audit
// writes never fail the alert path.
func (s *AlertService) recordAlert(t dispatchTarget, alertType db.AlertType, status string, isErr bool, errMessage string, progress *db.AlertProgress) {
	alert := db.Alert{
		ProjectID:              t.project.ID,
		MonitorID:              t.monitor.ID,
		IncidentID:             t.incident.ID,
		UserID:                 t.user.ID,
		ScheduleID:             t.status.ScheduleID,
		EscalationID:           t.policy.ID,
		OnCallScheduleStatusID: t.status.ID,
		AlertVia:               alertType,
		AlertStatus:            status,
		Error:                  isErr,
		ErrorMessage:           errMessage,
		EventType:              t.event(),
		AlertProgress:          progress.String(),
	}

	created, err := s.Alerts.Create(alert)
	if err != nil {
		log.Printf("Failed to record %s alert for incident %s: %v", alertType, t.incident.ID, err)
		return
	}

	s.Realtime.PublishTimeline(context.Background(), TimelineEvent{
		IncidentID: t.incident.ID,
		ProjectID:  t.project.ID,
		EventType:  t.event(),
		AlertID:    created.ID,
		Message:    string(alertType) + " " + status,
	})
}

// phoneToggleKey maps a metered channel to its admin-dashboard enable
// flag in the twilio settings row.
func phoneToggleKey(alertType db.AlertType) string {
	if alertType == db.AlertTypeCall {
		return "call-enabled"
	}
	return "sms-enabled"
}

// phoneGate runs the shared compliance and billing checks for metered
// phone channels. It returns the block message, or "" when the send
// may proceed. Projects with their own telephony credentials bypass
// the hosted-mode gates entirely.
func (s *AlertService) phoneGate(t dispatchTarget, alertType db.AlertType) (blocked string, custom bool, err error) {
	custom, err = s.Settings.HasProjectTwilioSettings(t.project.ID)
	if err != nil {
		return "", false, err
	}
	if custom {
		if t.user.AlertPhoneNumber == "" {
			return MsgNoPhoneNumber, custom, nil
		}
		return "", custom, nil
	}

	settings, err := s.Settings.FindByName("twilio")
	if err != nil {
		return "", false, err
	}
	if settings == nil {
		return MsgTwilioNotConfigured, false, nil
	}
	if !settings.BoolValue(phoneToggleKey(alertType)) {
		return MsgAlertDisabledGlobally, false, nil
	}
	if !t.project.AlertEnable {
		return MsgAlertDisabledProject, false, nil
	}
	if t.user.AlertPhoneNumber == "" {
		return MsgNoPhoneNumber, false, nil
	}

	switch GetCountryType(t.user.AlertPhoneNumber) {
	case CountryTypeUS:
		if !t.project.AlertOptions.BillingUS {
			return MsgUSNotEnabled, false, nil
		}
	case CountryTypeRisk:
		if !t.project.AlertOptions.BillingRiskCountries {
			return MsgRiskNotEnabled, false, nil
		}
	default:
		if !t.project.AlertOptions.BillingNonUSCountries {
			return MsgNonUSNotEnabled, false, nil
		}
	}

	withinLimit, err := s.CheckPhoneAlertsLimit(t.project)
	if err != nil {
		return "", false, err
	}
	if !withinLimit {
		return MsgDailyLimitReached, false, nil
	}

	balance, err := s.Payments.CheckAndRechargeBalance(t.project)
	if err != nil {
		return "", false, err
	}
	if balance <= 0 || balance <= t.project.AlertOptions.MinimumBalance {
		return MsgInsufficientBalance, false, nil
	}
	return "", false, nil
}

// mailGate mirrors the phone gate for the email channel: global SMTP
// must be configured and enabled unless the project brought its own
// SMTP credentials.
func (s *AlertService) mailGate(t dispatchTarget) (string, error) {
	custom, err := s.Settings.HasProjectSMTPSettings(t.project.ID)
	if err != nil {
		return "", err
	}
	if custom {
		return "", nil
	}

	settings, err := s.Settings.FindByName("smtp")
	if err != nil {
		return "", err
	}
	if settings == nil {
		return MsgSMTPNotConfigured, nil
	}
	if !settings.BoolValue("email-enabled") {
		return MsgAlertDisabledGlobally, nil
	}
	return "", nil
}

func (s *AlertService) sendCallAlert(ctx context.Context, t dispatchTarget, progress *db.AlertProgress) {
	blocked, custom, err := s.phoneGate(t, db.AlertTypeCall)
	if err != nil {
		log.Printf("Call gate check failed for incident %s: %v", t.incident.ID, err)
		s.recordAlert(t, db.AlertTypeCall, "", true, err.Error(), progress)
		return
	}
	if blocked != "" {
		s.recordAlert(t, db.AlertTypeCall, db.AlertStatusCannot, true, blocked, progress)
		return
	}

	twiml := AlertCallTwiML(t.monitor.Name, t.incident.IDNumber)
	result, err := s.Phone.MakeCall(ctx, t.user.AlertPhoneNumber, twiml)
	if err != nil {
		s.recordAlert(t, db.AlertTypeCall, "", true, err.Error(), progress)
		return
	}
	if result.Code == 400 {
		// The destination itself was rejected; retrying cannot help.
		s.recordAlert(t, db.AlertTypeCall, db.AlertStatusNotSent, true, result.Message, progress)
		return
	}
	if result.Code != 0 {
		s.recordAlert(t, db.AlertTypeCall, "", true, fmt.Sprintf("provider error %d: %s", result.Code, result.Message), progress)
		return
	}

	s.recordAlert(t, db.AlertTypeCall, db.AlertStatusSuccess, false, "", progress)

	// The call cost is not known until the call completes; the
	// reminder worker settles it from the call detail record. Custom
	// credential projects pay their own provider directly.
	if !custom {
		go s.settleCallCost(context.Background(), t, result.SID)
	}
}

func (s *AlertService) settleCallCost(ctx context.Context, t dispatchTarget, callSID string) {
	details, err := s.Phone.GetCallDetails(ctx, callSID)
	if err != nil {
		log.Printf("Failed to fetch call details %s: %v", callSID, err)
		return
	}
	if details.Price <= 0 {
		return
	}
	_, err = s.Payments.ChargeProject(Charge{
		ProjectID:  t.project.ID,
		Amount:     details.Price * CallPriceMarkup,
		MonitorID:  t.monitor.ID,
		IncidentID: t.incident.ID,
		SentTo:     t.user.AlertPhoneNumber,
	})
	if err != nil {
		log.Printf("Failed to settle call %s: %v", callSID, err)
	}
}

func (s *AlertService) sendSMSAlert(ctx context.Context, t dispatchTarget, progress *db.AlertProgress) {
	blocked, custom, err := s.phoneGate(t, db.AlertTypeSMS)
	if err != nil {
		log.Printf("SMS gate check failed for incident %s: %v", t.incident.ID, err)
		s.recordAlert(t, db.AlertTypeSMS, "", true, err.Error(), progress)
		return
	}
	if blocked != "" {
		s.recordAlert(t, db.AlertTypeSMS, db.AlertStatusCannot, true, blocked, progress)
		return
	}

	body := s.smsBody(t)
	result, err := s.Phone.SendSMS(ctx, t.user.AlertPhoneNumber, body)
	if err != nil {
		s.recordAlert(t, db.AlertTypeSMS, "", true, err.Error(), progress)
		return
	}
	if result.Code == 400 {
		s.recordAlert(t, db.AlertTypeSMS, db.AlertStatusNotSent, true, result.Message, progress)
		return
	}
	if result.Code != 0 {
		s.recordAlert(t, db.AlertTypeSMS, "", true, fmt.Sprintf("provider error %d: %s", result.Code, result.Message), progress)
		return
	}

	s.recordAlert(t, db.AlertTypeSMS, db.AlertStatusSuccess, false, "", progress)

	if !custom {
		_, err = s.Payments.ChargeProject(Charge{
			ProjectID:  t.project.ID,
			Amount:     SMSPrice(t.user.AlertPhoneNumber, body),
			MonitorID:  t.monitor.ID,
			IncidentID: t.incident.ID,
			SentTo:     t.user.AlertPhoneNumber,
		})
		if err != nil {
			log.Printf("Failed to charge SMS for incident %s: %v", t.incident.ID, err)
		}
	}
}

func (s *AlertService) smsBody(t dispatchTarget) string {
	base := fmt.Sprintf("Incident #%d: %s is down.", t.incident.IDNumber, t.monitor.Name)
	if t.incident.Reason != "" {
		base += " " + t.incident.Reason + "."
	}
	if s.PublicURL != "" && s.Tokens != nil {
		token, err := s.Tokens.IssueIncidentToken(t.incident.ID, t.user.ID, "acknowledge")
		if err == nil {
			base += fmt.Sprintf(" Ack: %s/i/%s/ack?t=%s", s.PublicURL, t.incident.ID, token)
		}
	}
	return base
}

func (s *AlertService) sendEmailAlert(ctx context.Context, t dispatchTarget, progress *db.AlertProgress) {
	blocked, err := s.mailGate(t)
	if err != nil {
		log.Printf("Mail gate check failed for incident %s: %v", t.incident.ID, err)
		s.recordAlert(t, db.AlertTypeEmail, "", true, err.Error(), progress)
		return
	}
	if blocked != "" {
		s.recordAlert(t, db.AlertTypeEmail, db.AlertStatusCannot, true, blocked, progress)
		return
	}
	if t.user.Email == "" {
		s.recordAlert(t, db.AlertTypeEmail, db.AlertStatusCannot, true, "No email address", progress)
		return
	}

	mail := IncidentMail{
		To:        t.user.Email,
		ProjectID: t.project.ID,
		Data: map[string]interface{}{
			"IDNumber":    t.incident.IDNumber,
			"MonitorName": t.monitor.Name,
			"Reason":      t.incident.Reason,
			"ProjectName": t.project.Name,
			"ActorName":   t.actorName,
		},
	}

	switch t.event() {
	case db.EventIncidentAcknowledged:
		mail.Template = "incident_acknowledged"
		mail.Subject = fmt.Sprintf("Incident #%d acknowledged", t.incident.IDNumber)
	case db.EventIncidentResolved:
		mail.Template = "incident_resolved"
		mail.Subject = fmt.Sprintf("Incident #%d resolved", t.incident.IDNumber)
	case db.EventNoteCreated, db.EventNoteUpdated, db.EventNoteDeleted:
		mail.Template = "investigation_note"
		mail.Subject = fmt.Sprintf("Investigation update on incident #%d", t.incident.IDNumber)
		mail.Data["Note"] = t.actorName
	default:
		mail.Template = "incident_created"
		mail.Subject = fmt.Sprintf("Incident #%d: %s is down", t.incident.IDNumber, t.monitor.Name)
		if s.PublicURL != "" && s.Tokens != nil {
			if token, err := s.Tokens.IssueIncidentToken(t.incident.ID, t.user.ID, "acknowledge"); err == nil {
				mail.Data["AckURL"] = fmt.Sprintf("%s/i/%s/ack?t=%s", s.PublicURL, t.incident.ID, token)
			}
			if token, err := s.Tokens.IssueIncidentToken(t.incident.ID, t.user.ID, "resolve"); err == nil {
				mail.Data["ResolveURL"] = fmt.Sprintf("%s/i/%s/resolve?t=%s", s.PublicURL, t.incident.ID, token)
			}
		}
	}

	if err := s.Mail.SendIncidentMail(ctx, mail); err != nil {
		s.recordAlert(t, db.AlertTypeEmail, "", true, err.Error(), progress)
		return
	}
	s.recordAlert(t, db.AlertTypeEmail, db.AlertStatusSuccess, false, "", progress)
}

func (s *AlertService) sendPushAlert(ctx context.Context, t dispatchTarget, progress *db.AlertProgress) {
	if len(t.user.DeviceTokens) == 0 {
		s.recordAlert(t, db.AlertTypePush, db.AlertStatusCannot, true, MsgNoDeviceTokens, progress)
		return
	}

	title := fmt.Sprintf("Incident #%d", t.incident.IDNumber)
	body := fmt.Sprintf("%s is down", t.monitor.Name)
	switch t.event() {
	case db.EventIncidentAcknowledged:
		body = fmt.Sprintf("%s acknowledged by %s", t.monitor.Name, t.actorName)
	case db.EventIncidentResolved:
		body = fmt.Sprintf("%s resolved by %s", t.monitor.Name, t.actorName)
	}

	data := map[string]string{
		"incident_id": t.incident.ID,
		"project_id":  t.project.ID,
		"event_type":  string(t.event()),
	}

	if err := s.Push.SendPush(ctx, t.user.DeviceTokens, title, body, data); err != nil {
		s.recordAlert(t, db.AlertTypePush, "", true, err.Error(), progress)
		return
	}
	s.recordAlert(t, db.AlertTypePush, db.AlertStatusSuccess, false, "", progress)
}
