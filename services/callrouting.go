package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/statuswatch/oncall/db"
)

const dialTimeoutSeconds = 25

// CallRoutingService turns inbound calls on provisioned numbers into
// TwiML responses that forward the caller to whoever is on duty, and
// settles the call cost afterwards.
type CallRoutingService struct {
	Routings  *db.CallRoutingStore
	Logs      *db.CallRoutingLogStore
	Schedules *db.ScheduleStore
	Policies  *db.EscalationPolicyStore
	Users     *db.UserStore
	Payments  *PaymentService

	Phone   PhoneProvider
	Numbers NumberProvider

	// BackendURL is the public base URL dial status callbacks hit.
	BackendURL string
}

func NewCallRoutingService(pg *sql.DB, phone PhoneProvider, numbers NumberProvider, backendURL string) *CallRoutingService {
	return &CallRoutingService{
		Routings:   db.NewCallRoutingStore(pg),
		Logs:       db.NewCallRoutingLogStore(pg),
		Schedules:  db.NewScheduleStore(pg),
		Policies:   db.NewEscalationPolicyStore(pg),
		Users:      db.NewUserStore(pg),
		Payments:   NewPaymentService(pg),
		Phone:      phone,
		Numbers:    numbers,
		BackendURL: backendURL,
	}
}

// GetCallResponse builds the TwiML answer for an inbound call. Calls
// to unprovisioned numbers are rejected outright.
func (s *CallRoutingService) GetCallResponse(ctx context.Context, calledTo, calledFrom, callSID string) (string, error) {
	routing, err := s.Routings.FindByPhoneNumber(calledTo)
	if err == sql.ErrNoRows {
		return NewVoiceResponse().Reject().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve routing for %s: %w", calledTo, err)
	}

	if _, err := s.Logs.FindByCallSID(callSID); err == sql.ErrNoRows {
		createErr := s.Logs.Create(&db.CallRoutingLog{
			CallRoutingID: routing.ID,
			CallSID:       callSID,
			CalledFrom:    calledFrom,
			CalledTo:      calledTo,
		})
		if createErr != nil {
			log.Printf("Failed to create call log for %s: %v", callSID, createErr)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to load call log: %w", err)
	}

	schema := routing.RoutingSchema
	number, target, err := s.resolveTarget(schema.Type, schema.ID, schema.PhoneNumber)
	if err != nil || number == "" {
		log.Printf("Primary routing target unavailable for %s: %v", calledTo, err)
		return s.backupResponse(ctx, routing, callSID)
	}

	s.logDial(callSID, target, number, "primary")

	resp := NewVoiceResponse()
	addIntro(resp, schema.IntroAudio, schema.IntroText)
	resp.Dial(number, s.dialStatusURL(routing.ID, callSID), dialTimeoutSeconds)
	return resp.String(), nil
}

// HandleDialStatus handles the provider callback after a dial attempt.
// Unanswered primary dials fall through to the backup target; an
// exhausted call plays the drop message.
func (s *CallRoutingService) HandleDialStatus(ctx context.Context, routingID, callSID, dialStatus string) (string, error) {
	if dialStatus == "completed" || dialStatus == "answered" {
		return NewVoiceResponse().String(), nil
	}

	routing, err := s.Routings.FindByID(routingID)
	if err != nil {
		return NewVoiceResponse().Reject().String(), nil
	}

	callLog, err := s.Logs.FindByCallSID(callSID)
	if err == nil {
		for _, entry := range callLog.DialTo {
			if entry.Status == "backup" {
				// Backup already tried; give up.
				return s.dropResponse(routing.RoutingSchema), nil
			}
		}
	}

	return s.backupResponse(ctx, routing, callSID)
}

func (s *CallRoutingService) backupResponse(ctx context.Context, routing db.CallRouting, callSID string) (string, error) {
	schema := routing.RoutingSchema
	if schema.BackupType == "" {
		return s.dropResponse(schema), nil
	}

	number, target, err := s.resolveTarget(schema.BackupType, schema.BackupID, schema.BackupPhoneNumber)
	if err != nil || number == "" {
		log.Printf("Backup routing target unavailable for %s: %v", routing.PhoneNumber, err)
		return s.dropResponse(schema), nil
	}

	s.logDial(callSID, target, number, "backup")

	resp := NewVoiceResponse()
	addIntro(resp, schema.BackupIntroAudio, schema.BackupIntroText)
	resp.Dial(number, "", dialTimeoutSeconds)
	return resp.String(), nil
}

func (s *CallRoutingService) dropResponse(schema db.RoutingSchema) string {
	if schema.CallDropText != "" {
		return NewVoiceResponse().Say(schema.CallDropText).String()
	}
	return NewVoiceResponse().Reject().String()
}

func addIntro(resp *VoiceResponse, audio, text string) {
	if audio != "" {
		resp.Play(audio)
		return
	}
	if text != "" {
		resp.Say(text)
	}
}

// resolveTarget turns a routing schema target into a dialable number.
func (s *CallRoutingService) resolveTarget(targetType, targetID, phoneNumber string) (number string, entry db.DialEntry, err error) {
	switch targetType {
	case db.RoutingTargetPhoneNumber:
		return phoneNumber, db.DialEntry{PhoneNumber: phoneNumber}, nil
	case db.RoutingTargetTeamMember:
		user, err := s.Users.FindByID(targetID)
		if err != nil {
			return "", entry, fmt.Errorf("failed to load routed user: %w", err)
		}
		return user.AlertPhoneNumber, db.DialEntry{UserID: user.ID, PhoneNumber: user.AlertPhoneNumber}, nil
	case db.RoutingTargetSchedule:
		user, err := s.FindTeamMember(targetID)
		if err != nil {
			return "", entry, err
		}
		return user.AlertPhoneNumber, db.DialEntry{UserID: user.ID, ScheduleID: targetID, PhoneNumber: user.AlertPhoneNumber}, nil
	}
	return "", entry, fmt.Errorf("unknown routing target type %q", targetType)
}

// FindTeamMember picks who a schedule-routed call should reach: the
// first on-duty member with a phone number, falling back to the first
// member with one regardless of duty.
func (s *CallRoutingService) FindTeamMember(scheduleID string) (db.User, error) {
	schedule, err := s.Schedules.FindByID(scheduleID)
	if err != nil {
		return db.User{}, fmt.Errorf("failed to load routed schedule: %w", err)
	}

	now := time.Now()
	var fallback *db.User
	for _, escalationID := range schedule.EscalationIDs {
		policy, err := s.Policies.FindByID(escalationID)
		if err != nil {
			continue
		}
		for _, member := range policy.Team {
			user, err := s.Users.FindByID(member.UserID)
			if err != nil || user.AlertPhoneNumber == "" {
				continue
			}
			if CheckIsOnDuty(member, now) {
				return user, nil
			}
			if fallback == nil {
				u := user
				fallback = &u
			}
		}
	}

	if fallback != nil {
		return *fallback, nil
	}
	return db.User{}, fmt.Errorf("no reachable team member on schedule %s", scheduleID)
}

func (s *CallRoutingService) logDial(callSID string, entry db.DialEntry, number, status string) {
	entry.CallSID = callSID
	entry.PhoneNumber = number
	entry.Status = status
	if err := s.Logs.AppendDial(callSID, entry); err != nil {
		log.Printf("Failed to log dial for call %s: %v", callSID, err)
	}
}

func (s *CallRoutingService) dialStatusURL(routingID, callSID string) string {
	if s.BackendURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/call-routing/dial-status?routing_id=%s&call_sid=%s",
		s.BackendURL, url.QueryEscape(routingID), url.QueryEscape(callSID))
}

// ChargeRoutedCall settles a finished routed call from its call detail
// record. The charged flag on the log row makes the charge idempotent
// across duplicate provider callbacks.
func (s *CallRoutingService) ChargeRoutedCall(ctx context.Context, callSID string) error {
	callLog, err := s.Logs.FindByCallSID(callSID)
	if err != nil {
		return fmt.Errorf("failed to load call log %s: %w", callSID, err)
	}
	if callLog.Charged {
		return nil
	}

	details, err := s.Phone.GetCallDetails(ctx, callSID)
	if err != nil {
		return err
	}
	if err := s.Logs.SetPrice(callSID, details.Price, details.Duration); err != nil {
		return err
	}

	won, err := s.Logs.MarkCharged(callSID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	routing, err := s.Routings.FindByID(callLog.CallRoutingID)
	if err != nil {
		return fmt.Errorf("failed to load routing for charge: %w", err)
	}

	_, err = s.Payments.ChargeProject(Charge{
		ProjectID: routing.ProjectID,
		Amount:    details.Price * CallPriceMarkup,
		SentTo:    callLog.CalledFrom,
	})
	return err
}

// ReserveNumber buys a number from the provider, charges the monthly
// price, and records the routing entry.
func (s *CallRoutingService) ReserveNumber(ctx context.Context, projectID, phoneNumber, locality, region, countryCode string) (db.CallRouting, error) {
	voiceURL := fmt.Sprintf("%s/api/call-routing/voice", s.BackendURL)
	purchased, err := s.Numbers.BuyNumber(ctx, phoneNumber, voiceURL)
	if err != nil {
		return db.CallRouting{}, err
	}

	routing := db.CallRouting{
		ProjectID:   projectID,
		PhoneNumber: purchased.PhoneNumber,
		Locality:    locality,
		Region:      region,
		CountryCode: countryCode,
		Price:       NumberMonthlyPrice,
		SID:         purchased.SID,
	}
	if err := s.Routings.Create(&routing); err != nil {
		// The number was bought but could not be recorded; release it
		// so the project is not billed for an orphan.
		if relErr := s.Numbers.ReleaseNumber(ctx, purchased.SID); relErr != nil {
			log.Printf("Failed to release orphaned number %s: %v", purchased.SID, relErr)
		}
		return db.CallRouting{}, err
	}

	if _, err := s.Payments.ChargeProject(Charge{
		ProjectID: projectID,
		Amount:    NumberMonthlyPrice,
		SentTo:    purchased.PhoneNumber,
	}); err != nil {
		log.Printf("Failed to charge number reservation for project %s: %v", projectID, err)
	}
	return routing, nil
}

// ReleaseNumber returns a number to the provider and retires its
// routing entry.
func (s *CallRoutingService) ReleaseNumber(ctx context.Context, routingID string) error {
	routing, err := s.Routings.FindByID(routingID)
	if err != nil {
		return fmt.Errorf("failed to load routing %s: %w", routingID, err)
	}

	if routing.SID != "" {
		if err := s.Numbers.ReleaseNumber(ctx, routing.SID); err != nil {
			return err
		}
	}
	return s.Routings.SoftDelete(routing.ID)
}
