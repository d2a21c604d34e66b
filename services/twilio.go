package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/statuswatch/oncall/internal/config"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioService talks to the Twilio REST API for SMS, voice calls and
// number provisioning. It satisfies PhoneProvider and NumberProvider.
type TwilioService struct {
	cfg     config.TwilioConfig
	baseURL string
	client  *http.Client
}

func NewTwilioService(cfg config.TwilioConfig) *TwilioService {
	return &TwilioService{
		cfg:     cfg,
		baseURL: twilioAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether hosted telephony credentials are present.
func (s *TwilioService) Configured() bool {
	return s.cfg.AccountSID != "" && s.cfg.AuthToken != ""
}

type twilioResponse struct {
	SID      string `json:"sid"`
	Status   string `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Price    string `json:"price"`
	Duration string `json:"duration"`
	MoreInfo string `json:"more_info"`
}

func (s *TwilioService) post(ctx context.Context, path string, form url.Values) (twilioResponse, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s%s", s.baseURL, s.cfg.AccountSID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return twilioResponse{}, fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return s.do(req)
}

func (s *TwilioService) get(ctx context.Context, path string) (twilioResponse, []byte, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s%s", s.baseURL, s.cfg.AccountSID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return twilioResponse{}, nil, fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return twilioResponse{}, nil, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return twilioResponse{}, nil, fmt.Errorf("failed to read twilio response: %w", err)
	}

	var parsed twilioResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return twilioResponse{}, body, fmt.Errorf("failed to decode twilio response: %w", err)
	}
	if resp.StatusCode >= 400 && parsed.Code == 0 {
		parsed.Code = resp.StatusCode
	}
	return parsed, body, nil
}

func (s *TwilioService) do(req *http.Request) (twilioResponse, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return twilioResponse{}, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return twilioResponse{}, fmt.Errorf("failed to read twilio response: %w", err)
	}

	var parsed twilioResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return twilioResponse{}, fmt.Errorf("failed to decode twilio response (status %d): %w", resp.StatusCode, err)
	}
	// Error payloads carry "status" as the HTTP code and "code" as the
	// Twilio error code. Normalize so callers can test Code == 400.
	if resp.StatusCode >= 400 && parsed.Code == 0 {
		parsed.Code = resp.StatusCode
	}
	return parsed, nil
}

// SendSMS sends one message and returns the provider result. A
// rejected destination comes back with Code set rather than an error.
func (s *TwilioService) SendSMS(ctx context.Context, to, body string) (SendResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", body)

	resp, err := s.post(ctx, "/Messages.json", form)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{SID: resp.SID, Code: resp.Code, Message: resp.Message}, nil
}

// MakeCall places a call that plays the given TwiML document.
func (s *TwilioService) MakeCall(ctx context.Context, to, twiml string) (SendResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.voiceNumber())
	form.Set("Twiml", twiml)

	resp, err := s.post(ctx, "/Calls.json", form)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{SID: resp.SID, Code: resp.Code, Message: resp.Message}, nil
}

func (s *TwilioService) voiceNumber() string {
	if s.cfg.VoiceNumber != "" {
		return s.cfg.VoiceNumber
	}
	return s.cfg.FromNumber
}

// GetCallDetails fetches the call detail record for a finished call.
// Twilio reports price as a negative string; returned Price is the
// positive cost.
func (s *TwilioService) GetCallDetails(ctx context.Context, callSID string) (CallDetails, error) {
	resp, _, err := s.get(ctx, fmt.Sprintf("/Calls/%s.json", callSID))
	if err != nil {
		return CallDetails{}, err
	}
	if resp.Code != 0 {
		return CallDetails{}, fmt.Errorf("twilio call lookup failed: %s (code %d)", resp.Message, resp.Code)
	}

	var price float64
	if resp.Price != "" {
		price, err = strconv.ParseFloat(resp.Price, 64)
		if err != nil {
			return CallDetails{}, fmt.Errorf("failed to parse call price %q: %w", resp.Price, err)
		}
		if price < 0 {
			price = -price
		}
	}

	return CallDetails{
		CallSID:  callSID,
		Price:    price,
		Duration: resp.Duration,
		Status:   resp.Status,
	}, nil
}

type twilioNumberList struct {
	AvailablePhoneNumbers []struct {
		PhoneNumber string `json:"phone_number"`
		Locality    string `json:"locality"`
		Region      string `json:"region"`
		ISOCountry  string `json:"iso_country"`
	} `json:"available_phone_numbers"`
}

// SearchNumbers lists purchasable local numbers in a country.
func (s *TwilioService) SearchNumbers(ctx context.Context, countryCode, areaCode string) ([]AvailableNumber, error) {
	path := fmt.Sprintf("/AvailablePhoneNumbers/%s/Local.json?VoiceEnabled=true", countryCode)
	if areaCode != "" {
		path += "&AreaCode=" + url.QueryEscape(areaCode)
	}

	_, body, err := s.get(ctx, path)
	if err != nil && body == nil {
		return nil, err
	}

	var list twilioNumberList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode available numbers: %w", err)
	}

	numbers := make([]AvailableNumber, 0, len(list.AvailablePhoneNumbers))
	for _, n := range list.AvailablePhoneNumbers {
		numbers = append(numbers, AvailableNumber{
			PhoneNumber: n.PhoneNumber,
			Locality:    n.Locality,
			Region:      n.Region,
			CountryCode: n.ISOCountry,
			Price:       NumberMonthlyPrice,
		})
	}
	return numbers, nil
}

// NumberMonthlyPrice is the flat monthly price charged for a reserved
// inbound number.
const NumberMonthlyPrice = 3.0

type twilioIncomingNumber struct {
	SID         string `json:"sid"`
	PhoneNumber string `json:"phone_number"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// BuyNumber purchases a number and points its voice webhook at us.
func (s *TwilioService) BuyNumber(ctx context.Context, phoneNumber, voiceURL string) (PurchasedNumber, error) {
	form := url.Values{}
	form.Set("PhoneNumber", phoneNumber)
	form.Set("VoiceUrl", voiceURL)
	form.Set("VoiceMethod", "POST")

	endpoint := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers.json", s.baseURL, s.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PurchasedNumber{}, fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return PurchasedNumber{}, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PurchasedNumber{}, fmt.Errorf("failed to read twilio response: %w", err)
	}

	var parsed twilioIncomingNumber
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PurchasedNumber{}, fmt.Errorf("failed to decode purchased number: %w", err)
	}
	if resp.StatusCode >= 400 {
		return PurchasedNumber{}, fmt.Errorf("failed to buy number %s: %s", phoneNumber, parsed.Message)
	}

	return PurchasedNumber{SID: parsed.SID, PhoneNumber: parsed.PhoneNumber}, nil
}

// ReleaseNumber returns a number to the provider pool.
func (s *TwilioService) ReleaseNumber(ctx context.Context, sid string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/IncomingPhoneNumbers/%s.json", s.baseURL, s.cfg.AccountSID, sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to release number %s: status %d: %s", sid, resp.StatusCode, string(body))
	}
	return nil
}
