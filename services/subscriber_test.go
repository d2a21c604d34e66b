package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuswatch/oncall/db"
)

type fakeSubscribers struct {
	subs []db.Subscriber
}

func (f *fakeSubscribers) SubscribersForAlert(monitorID string) ([]db.Subscriber, error) {
	return f.subs, nil
}

type fakeSubscriberAudits struct {
	created  []db.SubscriberAlert
	settled  map[string]string
	messages map[string]string
}

func newFakeSubscriberAudits() *fakeSubscriberAudits {
	return &fakeSubscriberAudits{settled: map[string]string{}, messages: map[string]string{}}
}

func (f *fakeSubscriberAudits) Create(alert db.SubscriberAlert) (db.SubscriberAlert, error) {
	alert.ID = alert.SubscriberID + "-audit"
	f.created = append(f.created, alert)
	return alert, nil
}

func (f *fakeSubscriberAudits) UpdateStatus(id, status, errorMessage string) error {
	f.settled[id] = status
	f.messages[id] = errorMessage
	return nil
}

type fakeStatusPages struct {
	enabled map[string]bool
}

func (f *fakeStatusPages) FindEnabled(id string) (db.StatusPage, error) {
	if f.enabled[id] {
		return db.StatusPage{ID: id, IsSubscriberEnabled: true}, nil
	}
	return db.StatusPage{}, sql.ErrNoRows
}

type fakeWebhook struct {
	urls []string
	err  error
}

func (f *fakeWebhook) SendWebhook(ctx context.Context, url, method string, payload interface{}) error {
	f.urls = append(f.urls, url)
	return f.err
}

func newSubscriberService(subs []db.Subscriber, project db.Project) (*SubscriberService, *fakeSubscriberAudits, *fakePhone, *fakeWebhook) {
	audits := newFakeSubscriberAudits()
	phone := &fakePhone{}
	webhook := &fakeWebhook{}
	svc := &SubscriberService{
		Subscribers: &fakeSubscribers{subs: subs},
		Audits:      audits,
		StatusPages: &fakeStatusPages{enabled: map[string]bool{"page-on": true}},
		Projects:    &fakeProjects{project: project},
		Monitors:    &fakeMonitors{monitor: db.Monitor{ID: "mon-1", Name: "checkout"}},
		Incidents:   &fakeIncidents{incident: db.Incident{ID: "inc-1", ProjectID: "proj-1", MonitorID: "mon-1", IDNumber: 7}},
		Settings:    hostedSettings(),
		Payments:    &fakeCharger{},
		Phone:       phone,
		Mail:        &fakeMail{},
		Webhook:     webhook,
	}
	return svc, audits, phone, webhook
}

func TestChannelEnabled(t *testing.T) {
	project := db.Project{
		SendCreatedIncidentNotificationEmail:       true,
		SendResolvedIncidentNotificationSMS:        true,
		EnableInvestigationNoteNotificationWebhook: false,
	}

	assert.True(t, channelEnabled(project, db.AlertTypeEmail, db.EventIncidentIdentified))
	assert.False(t, channelEnabled(project, db.AlertTypeEmail, db.EventIncidentResolved))
	assert.True(t, channelEnabled(project, db.AlertTypeSMS, db.EventIncidentResolved))
	assert.False(t, channelEnabled(project, db.AlertTypeSMS, db.EventIncidentIdentified))

	// Webhooks always carry lifecycle events, only notes are gated.
	assert.True(t, channelEnabled(project, db.AlertTypeWebhook, db.EventIncidentIdentified))
	assert.True(t, channelEnabled(project, db.AlertTypeWebhook, db.EventIncidentResolved))
	assert.False(t, channelEnabled(project, db.AlertTypeWebhook, db.EventNoteCreated))

	assert.False(t, channelEnabled(project, db.AlertTypeCall, db.EventIncidentIdentified))
}

func TestNotifySubscribers_SettlesEachRow(t *testing.T) {
	subs := []db.Subscriber{
		{ID: "s-mail", AlertVia: db.AlertTypeEmail, ContactEmail: "a@example.com"},
		{ID: "s-sms", AlertVia: db.AlertTypeSMS, ContactPhone: "+14155550000"},
		{ID: "s-hook", AlertVia: db.AlertTypeWebhook, ContactWebhook: "https://example.com/hook"},
		{ID: "s-nomail", AlertVia: db.AlertTypeEmail},
	}
	project := db.Project{
		ID:                                   "proj-1",
		AlertEnable:                          true,
		Balance:                              50,
		AlertOptions:                         db.AlertOptions{BillingUS: true},
		SendCreatedIncidentNotificationEmail: true,
		SendCreatedIncidentNotificationSMS:   true,
	}
	svc, audits, phone, webhook := newSubscriberService(subs, project)

	require.NoError(t, svc.NotifySubscribers(context.Background(), "inc-1", db.EventIncidentIdentified, ""))

	require.Len(t, audits.created, 4)
	batch := audits.created[0].BatchID
	for _, row := range audits.created {
		assert.Equal(t, db.AlertStatusPending, row.AlertStatus)
		assert.Equal(t, batch, row.BatchID)
		assert.Equal(t, 4, row.TotalSubscribers)
	}

	assert.Equal(t, db.AlertStatusSent, audits.settled["s-mail-audit"])
	assert.Equal(t, db.AlertStatusSent, audits.settled["s-sms-audit"])
	assert.Equal(t, db.AlertStatusSent, audits.settled["s-hook-audit"])
	// Failed rows settle with a null status carrying the reason.
	assert.Equal(t, "", audits.settled["s-nomail-audit"])
	assert.Equal(t, "No email address", audits.messages["s-nomail-audit"])

	require.Len(t, phone.sms, 1)
	assert.Equal(t, "+14155550000", phone.sms[0])
	require.Len(t, webhook.urls, 1)

	// The metered SMS is billed to the project.
	charger := svc.Payments.(*fakeCharger)
	require.Len(t, charger.charges, 1)
	assert.Equal(t, "proj-1", charger.charges[0].ProjectID)
	assert.Equal(t, "+14155550000", charger.charges[0].SentTo)
	assert.Equal(t, "inc-1", charger.charges[0].IncidentID)
}

func TestNotifySubscribers_DisabledChannelAndPage(t *testing.T) {
	subs := []db.Subscriber{
		{ID: "s-off", AlertVia: db.AlertTypeEmail, ContactEmail: "a@example.com"},
		{ID: "s-page", AlertVia: db.AlertTypeEmail, ContactEmail: "b@example.com", StatusPageID: "page-off"},
		{ID: "s-ok", AlertVia: db.AlertTypeEmail, ContactEmail: "c@example.com", StatusPageID: "page-on"},
	}
	project := db.Project{ID: "proj-1"}
	svc, audits, _, _ := newSubscriberService(subs, project)

	// The acknowledged-email toggle is off for everyone; s-page is also
	// behind a disabled status page.
	require.NoError(t, svc.NotifySubscribers(context.Background(), "inc-1", db.EventIncidentAcknowledged, ""))

	assert.Equal(t, db.AlertStatusDisabled, audits.settled["s-off-audit"])
	assert.Equal(t, db.AlertStatusDisabled, audits.settled["s-page-audit"])
	assert.Equal(t, db.AlertStatusDisabled, audits.settled["s-ok-audit"])
}

func TestNotifySubscribers_SMSGateBlocks(t *testing.T) {
	subs := []db.Subscriber{
		{ID: "s-sms", AlertVia: db.AlertTypeSMS, ContactPhone: "+14155550000"},
		{ID: "s-risk", AlertVia: db.AlertTypeSMS, ContactPhone: "+5351234567"},
	}

	cases := []struct {
		name    string
		project db.Project
		mutate  func(svc *SubscriberService)
		blocked map[string]string
	}{
		{
			name:    "project alerts disabled",
			project: db.Project{ID: "proj-1", Balance: 50, AlertOptions: db.AlertOptions{BillingUS: true, BillingRiskCountries: true}, SendCreatedIncidentNotificationSMS: true},
			blocked: map[string]string{
				"s-sms-audit":  MsgAlertDisabledProject,
				"s-risk-audit": MsgAlertDisabledProject,
			},
		},
		{
			name:    "high risk destination not enabled",
			project: db.Project{ID: "proj-1", AlertEnable: true, Balance: 50, AlertOptions: db.AlertOptions{BillingUS: true}, SendCreatedIncidentNotificationSMS: true},
			blocked: map[string]string{
				"s-risk-audit": MsgRiskNotEnabled,
			},
		},
		{
			name:    "no balance",
			project: db.Project{ID: "proj-1", AlertEnable: true, Balance: 0, AlertOptions: db.AlertOptions{BillingUS: true, BillingRiskCountries: true}, SendCreatedIncidentNotificationSMS: true},
			blocked: map[string]string{
				"s-sms-audit":  MsgInsufficientBalance,
				"s-risk-audit": MsgInsufficientBalance,
			},
		},
		{
			name:    "sms disabled globally",
			project: db.Project{ID: "proj-1", AlertEnable: true, Balance: 50, AlertOptions: db.AlertOptions{BillingUS: true, BillingRiskCountries: true}, SendCreatedIncidentNotificationSMS: true},
			mutate: func(svc *SubscriberService) {
				svc.Settings = &fakeSettings{configs: map[string]*db.GlobalConfig{
					"twilio": {Name: "twilio", Value: map[string]interface{}{"call-enabled": true, "sms-enabled": false}},
				}}
			},
			blocked: map[string]string{
				"s-sms-audit":  MsgAlertDisabledGlobally,
				"s-risk-audit": MsgAlertDisabledGlobally,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, audits, phone, _ := newSubscriberService(subs, tc.project)
			if tc.mutate != nil {
				tc.mutate(svc)
			}

			require.NoError(t, svc.NotifySubscribers(context.Background(), "inc-1", db.EventIncidentIdentified, ""))

			for auditID, message := range tc.blocked {
				assert.Equal(t, "", audits.settled[auditID])
				assert.Equal(t, message, audits.messages[auditID])
			}
			assert.Len(t, phone.sms, len(subs)-len(tc.blocked), "blocked rows never reach the provider")
			assert.Len(t, svc.Payments.(*fakeCharger).charges, len(subs)-len(tc.blocked), "only delivered rows are billed")
		})
	}
}

func TestNotifySubscribers_NoSubscribersIsNoop(t *testing.T) {
	svc, audits, _, _ := newSubscriberService(nil, db.Project{ID: "proj-1"})
	require.NoError(t, svc.NotifySubscribers(context.Background(), "inc-1", db.EventIncidentIdentified, ""))
	assert.Empty(t, audits.created)
}
