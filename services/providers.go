package services

import "context"

// SendResult is the outcome of one provider send attempt. Code carries
// the provider error code when the send was rejected; code 400 means
// the destination itself is invalid (bad number, blocked region) and
// the alert should be recorded as failed rather than retried.
type SendResult struct {
	SID     string
	Code    int
	Message string
}

// PhoneProvider sends SMS and places voice calls through the telephony
// vendor. Implementations must be safe for serialized use from the
// dispatch loop.
type PhoneProvider interface {
	SendSMS(ctx context.Context, to, body string) (SendResult, error)
	MakeCall(ctx context.Context, to, twiml string) (SendResult, error)
	// GetCallDetails fetches the call detail record once the call
	// has completed. Price is positive, in account currency.
	GetCallDetails(ctx context.Context, callSID string) (CallDetails, error)
}

// CallDetails is the settled call detail record for a finished call.
type CallDetails struct {
	CallSID  string
	Price    float64
	Duration string
	Status   string
}

// MailProvider sends templated mail. Sends are fire-and-forget from
// the dispatcher's point of view; failures surface in logs and the
// alert audit row.
type MailProvider interface {
	SendIncidentMail(ctx context.Context, m IncidentMail) error
}

// IncidentMail is one rendered incident notification.
type IncidentMail struct {
	To          string
	Subject     string
	Template    string
	Data        map[string]interface{}
	ProjectID   string
	ReplyTo     string
	ContentType string
}

// PushProvider delivers push notifications to a user's registered
// devices.
type PushProvider interface {
	SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

// WebhookProvider posts subscriber notifications to external endpoints.
type WebhookProvider interface {
	SendWebhook(ctx context.Context, url, method string, payload interface{}) error
}

// NumberProvider provisions and releases inbound phone numbers.
type NumberProvider interface {
	SearchNumbers(ctx context.Context, countryCode, areaCode string) ([]AvailableNumber, error)
	BuyNumber(ctx context.Context, phoneNumber, voiceURL string) (PurchasedNumber, error)
	ReleaseNumber(ctx context.Context, sid string) error
}

// AvailableNumber is one purchasable number from a provider search.
type AvailableNumber struct {
	PhoneNumber string  `json:"phone_number"`
	Locality    string  `json:"locality"`
	Region      string  `json:"region"`
	CountryCode string  `json:"country_code"`
	Price       float64 `json:"price"`
}

// PurchasedNumber is the provider record for a bought number.
type PurchasedNumber struct {
	SID         string
	PhoneNumber string
}
