package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/statuswatch/oncall/db"
)

// Store interfaces consumed by the alert engine. The db package's
// concrete stores satisfy them; tests inject fakes.
type scheduleFinder interface {
	FindByIDs(ids []string) ([]db.Schedule, error)
	FindByMonitor(monitorID string) ([]db.Schedule, error)
	FindDefaults(projectID string) ([]db.Schedule, error)
}

type policyFinder interface {
	FindByID(id string) (db.EscalationPolicy, error)
}

type statusStore interface {
	FindByIncidentAndSchedule(incidentID, scheduleID string) (db.OnCallScheduleStatus, error)
	FindByIncident(incidentID string) ([]db.OnCallScheduleStatus, error)
	Create(status db.OnCallScheduleStatus) (db.OnCallScheduleStatus, error)
	Update(status db.OnCallScheduleStatus) (db.OnCallScheduleStatus, error)
	MarkAcknowledged(incidentID string) error
}

type alertRecorder interface {
	Create(alert db.Alert) (db.Alert, error)
	CountPhoneAlertsSince(projectID string, since time.Time) (int, error)
}

type userFinder interface {
	FindByID(id string) (db.User, error)
}

type projectFinder interface {
	FindByID(id string) (db.Project, error)
	SetAlertLimitReached(id string, reached bool) error
}

type monitorFinder interface {
	FindByID(id string) (db.Monitor, error)
}

type incidentFinder interface {
	FindByID(id string) (db.Incident, error)
	FindUnacknowledged(limit int) ([]db.Incident, error)
	Acknowledge(id, by string) error
	Resolve(id, by string) error
}

type settingsFinder interface {
	FindByName(name string) (*db.GlobalConfig, error)
	HasProjectTwilioSettings(projectID string) (bool, error)
	HasProjectSMTPSettings(projectID string) (bool, error)
}

type balanceCharger interface {
	ChargeProject(c Charge) (float64, error)
	CheckAndRechargeBalance(project db.Project) (float64, error)
}

// How many times a reminder tick retries after losing the version race
// on the schedule status row.
const maxStatusRetries = 3

// AlertService drives the on-call escalation chain: it resolves which
// schedules an incident alerts, walks each schedule's escalation
// policies, and dispatches per-channel notifications to on-duty team
// members.
type AlertService struct {
	Schedules scheduleFinder
	Policies  policyFinder
	Statuses  statusStore
	Alerts    alertRecorder
	Users     userFinder
	Projects  projectFinder
	Monitors  monitorFinder
	Incidents incidentFinder
	Settings  settingsFinder
	Payments  balanceCharger

	Phone PhoneProvider
	Mail  MailProvider
	Push  PushProvider

	Tokens   *TokenService
	Realtime *RealtimeService

	PublicURL             string
	PhoneAlertsDailyLimit int
}

func NewAlertService(pg *sql.DB, rdb *redis.Client, phone PhoneProvider, mail MailProvider, push PushProvider, tokens *TokenService) *AlertService {
	return &AlertService{
		Schedules: db.NewScheduleStore(pg),
		Policies:  db.NewEscalationPolicyStore(pg),
		Statuses:  db.NewOnCallScheduleStatusStore(pg),
		Alerts:    db.NewAlertStore(pg),
		Users:     db.NewUserStore(pg),
		Projects:  db.NewProjectStore(pg),
		Monitors:  db.NewMonitorStore(pg),
		Incidents: db.NewIncidentStore(pg),
		Settings:  db.NewGlobalConfigStore(pg),
		Payments:  NewPaymentService(pg),
		Phone:     phone,
		Mail:      mail,
		Push:      push,
		Tokens:    tokens,
		Realtime:  NewRealtimeService(rdb),
	}
}

// SchedulesForAlerts resolves which schedules should be alerted for an
// incident. Criterion-pinned schedules win for automatic incidents,
// then schedules bound to the monitor, then the project defaults. A
// nil entry in the result stands for "no schedule found" so the run
// still leaves a progress record behind.
func (s *AlertService) SchedulesForAlerts(incident db.Incident, monitor db.Monitor) ([]*db.Schedule, error) {
	if !incident.ManuallyCreated && monitor.LastMatchedCriterion != nil && len(monitor.LastMatchedCriterion.ScheduleIDs) > 0 {
		schedules, err := s.Schedules.FindByIDs(monitor.LastMatchedCriterion.ScheduleIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load criterion schedules: %w", err)
		}
		if len(schedules) > 0 {
			return schedulePtrs(schedules), nil
		}
	}

	schedules, err := s.Schedules.FindByMonitor(monitor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor schedules: %w", err)
	}
	if len(schedules) > 0 {
		return schedulePtrs(schedules), nil
	}

	schedules, err = s.Schedules.FindDefaults(incident.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load default schedules: %w", err)
	}
	if len(schedules) > 0 {
		return schedulePtrs(schedules), nil
	}

	return []*db.Schedule{nil}, nil
}

func schedulePtrs(schedules []db.Schedule) []*db.Schedule {
	out := make([]*db.Schedule, len(schedules))
	for i := range schedules {
		out[i] = &schedules[i]
	}
	return out
}

// SendCreatedIncident fires the first round of alerts for a new
// incident and seeds the per-schedule progress records.
func (s *AlertService) SendCreatedIncident(ctx context.Context, incidentID string) error {
	incident, err := s.Incidents.FindByID(incidentID)
	if err != nil {
		return fmt.Errorf("failed to load incident %s: %w", incidentID, err)
	}
	return s.ProcessIncident(ctx, incident)
}

// ProcessIncident runs one escalation tick for every schedule of an
// incident. Called on creation and again on every reminder interval
// until the incident is acknowledged or every chain is exhausted.
func (s *AlertService) ProcessIncident(ctx context.Context, incident db.Incident) error {
	if incident.Acknowledged || incident.Resolved {
		return nil
	}

	monitor, err := s.Monitors.FindByID(incident.MonitorID)
	if err != nil {
		return fmt.Errorf("failed to load monitor %s: %w", incident.MonitorID, err)
	}
	project, err := s.Projects.FindByID(incident.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", incident.ProjectID, err)
	}

	schedules, err := s.SchedulesForAlerts(incident, monitor)
	if err != nil {
		return err
	}

	var firstErr error
	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, incident, monitor, project, schedule); err != nil {
			log.Printf("Escalation tick failed for incident %s: %v", incident.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *AlertService) processSchedule(ctx context.Context, incident db.Incident, monitor db.Monitor, project db.Project, schedule *db.Schedule) error {
	status, err := s.getOrCreateStatus(incident, schedule)
	if err != nil {
		return err
	}

	// A placeholder status records that no schedule covered the
	// incident; there is nobody to alert.
	if schedule == nil {
		return nil
	}
	if status.IncidentAcknowledged || status.AlertedEveryone {
		return nil
	}

	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		err = s.runEscalationTick(ctx, incident, monitor, project, *schedule, status)
		if !errors.Is(err, db.ErrVersionConflict) {
			return err
		}
		status, err = s.Statuses.FindByIncidentAndSchedule(incident.ID, schedule.ID)
		if err != nil {
			return fmt.Errorf("failed to reload schedule status: %w", err)
		}
		if status.IncidentAcknowledged || status.AlertedEveryone {
			return nil
		}
	}
	return fmt.Errorf("gave up on schedule %s after %d version conflicts", schedule.ID, maxStatusRetries)
}

func (s *AlertService) getOrCreateStatus(incident db.Incident, schedule *db.Schedule) (db.OnCallScheduleStatus, error) {
	scheduleID := ""
	if schedule != nil {
		scheduleID = schedule.ID
	}

	status, err := s.Statuses.FindByIncidentAndSchedule(incident.ID, scheduleID)
	if err == nil {
		return status, nil
	}
	if err != sql.ErrNoRows {
		return status, fmt.Errorf("failed to load schedule status: %w", err)
	}

	status = db.OnCallScheduleStatus{
		ProjectID:  incident.ProjectID,
		IncidentID: incident.ID,
		ScheduleID: scheduleID,
	}
	created, err := s.Statuses.Create(status)
	if err != nil {
		return created, fmt.Errorf("failed to create schedule status: %w", err)
	}
	return created, nil
}

// runEscalationTick advances one schedule by one reminder round:
// either sends on the channels that still have quota, or moves the
// chain to the successor policy. Counters move before any provider is
// called so a crash can only lose sends, never duplicate them.
func (s *AlertService) runEscalationTick(ctx context.Context, incident db.Incident, monitor db.Monitor, project db.Project, schedule db.Schedule, status db.OnCallScheduleStatus) error {
	// A schedule with no escalation chain has nobody to alert.
	if len(schedule.EscalationIDs) == 0 {
		if status.AlertedEveryone {
			return nil
		}
		status.AlertedEveryone = true
		_, err := s.Statuses.Update(status)
		return err
	}

	for hops := 0; hops <= len(schedule.EscalationIDs); hops++ {
		if status.ActiveEscalationID == "" {
			status.ActiveEscalationID = schedule.EscalationIDs[0]
			status.Escalations = append(status.Escalations, db.EscalationStatus{EscalationID: status.ActiveEscalationID})
		}
		if cur := status.CurrentEscalationStatus(); cur == nil || cur.EscalationID != status.ActiveEscalationID {
			status.Escalations = append(status.Escalations, db.EscalationStatus{EscalationID: status.ActiveEscalationID})
		}

		policy, err := s.Policies.FindByID(status.ActiveEscalationID)
		if err != nil {
			// A dangling policy reference ends the chain rather than
			// wedging the incident.
			log.Printf("Escalation policy %s not found for schedule %s, marking chain exhausted", status.ActiveEscalationID, schedule.ID)
			status.AlertedEveryone = true
			_, uerr := s.Statuses.Update(status)
			return uerr
		}

		cur := status.CurrentEscalationStatus()
		shouldSend := map[db.AlertType]bool{
			db.AlertTypeCall:  policy.Call && cur.CallRemindersSent < policy.CallReminders,
			db.AlertTypeSMS:   policy.SMS && cur.SMSRemindersSent < policy.SMSReminders,
			db.AlertTypeEmail: policy.Email && cur.EmailRemindersSent < policy.EmailReminders,
			db.AlertTypePush:  policy.Push && cur.PushRemindersSent < policy.PushReminders,
		}

		if !shouldSend[db.AlertTypeCall] && !shouldSend[db.AlertTypeSMS] && !shouldSend[db.AlertTypeEmail] && !shouldSend[db.AlertTypePush] {
			next, ok := successorEscalation(schedule.EscalationIDs, status.ActiveEscalationID)
			if !ok {
				status.AlertedEveryone = true
				_, err := s.Statuses.Update(status)
				return err
			}
			status.ActiveEscalationID = next
			continue
		}

		if shouldSend[db.AlertTypeCall] {
			cur.CallRemindersSent++
		}
		if shouldSend[db.AlertTypeSMS] {
			cur.SMSRemindersSent++
		}
		if shouldSend[db.AlertTypeEmail] {
			cur.EmailRemindersSent++
		}
		if shouldSend[db.AlertTypePush] {
			cur.PushRemindersSent++
		}

		updated, err := s.Statuses.Update(status)
		if err != nil {
			return err
		}

		s.dispatchToTeam(ctx, incident, monitor, project, updated, policy, shouldSend)
		return nil
	}

	// Every policy in the chain was visited without finding quota.
	status.AlertedEveryone = true
	_, err := s.Statuses.Update(status)
	return err
}

func successorEscalation(chain []string, current string) (string, bool) {
	for i, id := range chain {
		if id == current && i+1 < len(chain) {
			return chain[i+1], true
		}
	}
	return "", false
}

// dispatchToTeam fans one reminder round out to the policy's team.
// Phone channels are serialized because they share the project
// balance; mail and push detach.
func (s *AlertService) dispatchToTeam(ctx context.Context, incident db.Incident, monitor db.Monitor, project db.Project, status db.OnCallScheduleStatus, policy db.EscalationPolicy, shouldSend map[db.AlertType]bool) {
	cur := status.CurrentEscalationStatus()
	now := time.Now()

	progress := map[db.AlertType]*db.AlertProgress{
		db.AlertTypeCall:  {Current: cur.CallRemindersSent, Total: policy.CallReminders},
		db.AlertTypeSMS:   {Current: cur.SMSRemindersSent, Total: policy.SMSReminders},
		db.AlertTypeEmail: {Current: cur.EmailRemindersSent, Total: policy.EmailReminders},
		db.AlertTypePush:  {Current: cur.PushRemindersSent, Total: policy.PushReminders},
	}

	anyOnDuty := false
	for _, member := range policy.Team {
		user, err := s.Users.FindByID(member.UserID)
		if err != nil {
			log.Printf("Skipping team member %s: %v", member.UserID, err)
			continue
		}

		target := dispatchTarget{
			incident: incident,
			monitor:  monitor,
			project:  project,
			status:   status,
			policy:   policy,
			user:     user,
		}

		if !CheckIsOnDuty(member, now) {
			for _, alertType := range []db.AlertType{db.AlertTypeCall, db.AlertTypeSMS, db.AlertTypeEmail, db.AlertTypePush} {
				if shouldSend[alertType] {
					s.recordAlert(target, alertType, db.AlertStatusNotOnDuty, false, "", progress[alertType])
				}
			}
			continue
		}
		anyOnDuty = true

		if shouldSend[db.AlertTypeCall] {
			s.sendCallAlert(ctx, target, progress[db.AlertTypeCall])
		}
		if shouldSend[db.AlertTypeSMS] {
			s.sendSMSAlert(ctx, target, progress[db.AlertTypeSMS])
		}
		if shouldSend[db.AlertTypeEmail] {
			go s.sendEmailAlert(context.Background(), target, progress[db.AlertTypeEmail])
		}
		if shouldSend[db.AlertTypePush] {
			go s.sendPushAlert(context.Background(), target, progress[db.AlertTypePush])
		}
	}

	if anyOnDuty && !status.IsOnDuty {
		status.IsOnDuty = true
		if _, err := s.Statuses.Update(status); err != nil {
			log.Printf("Failed to flag on-duty status for incident %s: %v", incident.ID, err)
		}
	}
}

// MarkIncidentAcknowledged stops further reminders for an incident:
// the incident row leaves the reminder sweep and every schedule
// status is flagged acknowledged.
func (s *AlertService) MarkIncidentAcknowledged(ctx context.Context, incidentID, actor string) error {
	if err := s.Incidents.Acknowledge(incidentID, actor); err != nil {
		return err
	}
	if err := s.Statuses.MarkAcknowledged(incidentID); err != nil {
		return err
	}
	incident, err := s.Incidents.FindByID(incidentID)
	if err == nil {
		s.Realtime.PublishTimeline(ctx, TimelineEvent{
			IncidentID: incident.ID,
			ProjectID:  incident.ProjectID,
			EventType:  db.EventIncidentAcknowledged,
		})
	}
	return nil
}

// MarkIncidentResolved closes the incident row. Resolving also stops
// reminders for incidents that were never acknowledged.
func (s *AlertService) MarkIncidentResolved(ctx context.Context, incidentID, actor string) error {
	if err := s.Incidents.Resolve(incidentID, actor); err != nil {
		return err
	}
	if err := s.Statuses.MarkAcknowledged(incidentID); err != nil {
		return err
	}
	incident, err := s.Incidents.FindByID(incidentID)
	if err == nil {
		s.Realtime.PublishTimeline(ctx, TimelineEvent{
			IncidentID: incident.ID,
			ProjectID:  incident.ProjectID,
			EventType:  db.EventIncidentResolved,
		})
	}
	return nil
}

// SendIncidentEvent notifies the active team about a lifecycle event
// (acknowledged, resolved, investigation notes) over mail and push.
// Lifecycle events do not consume reminder quota.
func (s *AlertService) SendIncidentEvent(ctx context.Context, incidentID string, eventType db.EventType, actorName string) error {
	incident, err := s.Incidents.FindByID(incidentID)
	if err != nil {
		return fmt.Errorf("failed to load incident %s: %w", incidentID, err)
	}
	monitor, err := s.Monitors.FindByID(incident.MonitorID)
	if err != nil {
		return fmt.Errorf("failed to load monitor %s: %w", incident.MonitorID, err)
	}
	project, err := s.Projects.FindByID(incident.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %s: %w", incident.ProjectID, err)
	}

	statuses, err := s.Statuses.FindByIncident(incident.ID)
	if err != nil {
		return fmt.Errorf("failed to load schedule statuses: %w", err)
	}

	notified := map[string]bool{}
	for _, status := range statuses {
		if status.ActiveEscalationID == "" {
			continue
		}
		policy, err := s.Policies.FindByID(status.ActiveEscalationID)
		if err != nil {
			continue
		}
		for _, member := range policy.Team {
			if notified[member.UserID] {
				continue
			}
			notified[member.UserID] = true

			user, err := s.Users.FindByID(member.UserID)
			if err != nil {
				continue
			}
			target := dispatchTarget{
				incident:  incident,
				monitor:   monitor,
				project:   project,
				status:    status,
				policy:    policy,
				user:      user,
				eventType: eventType,
				actorName: actorName,
			}
			go s.sendEmailAlert(context.Background(), target, nil)
			go s.sendPushAlert(context.Background(), target, nil)
		}
	}

	s.Realtime.PublishTimeline(ctx, TimelineEvent{
		IncidentID: incident.ID,
		ProjectID:  incident.ProjectID,
		EventType:  eventType,
		Message:    actorName,
	})
	return nil
}

// CheckPhoneAlertsLimit enforces the daily cap on metered phone
// alerts. Crossing the cap flags the project so the dashboard can
// surface it.
func (s *AlertService) CheckPhoneAlertsLimit(project db.Project) (bool, error) {
	limit := project.AlertLimit
	if limit <= 0 {
		limit = s.PhoneAlertsDailyLimit
	}
	if limit <= 0 {
		return true, nil
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	count, err := s.Alerts.CountPhoneAlertsSince(project.ID, midnight)
	if err != nil {
		return false, fmt.Errorf("failed to count phone alerts: %w", err)
	}

	if count >= limit {
		if !project.AlertLimitReached {
			if err := s.Projects.SetAlertLimitReached(project.ID, true); err != nil {
				log.Printf("Failed to flag alert limit for project %s: %v", project.ID, err)
			}
		}
		return false, nil
	}
	return true, nil
}
