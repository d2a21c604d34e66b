package services

import (
	"context"
	"fmt"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMService delivers push alerts to a responder's registered devices
// via Firebase Cloud Messaging. It satisfies PushProvider.
type FCMService struct {
	client *messaging.Client
}

func NewFCMService() (*FCMService, error) {
	service := &FCMService{}

	credentialsFile := os.Getenv("FCM_CREDENTIALS_FILE")
	if credentialsFile == "" {
		credentialsFile = "firebase-service-account-key.json"
	}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		log.Printf("Firebase app not initialized: %v (push alerts disabled)", err)
		return service, nil
	}

	client, err := app.Messaging(context.Background())
	if err != nil {
		log.Printf("Firebase messaging client not initialized: %v (push alerts disabled)", err)
		return service, nil
	}

	service.client = client
	log.Println("FCM Service: Firebase messaging initialized")

	return service, nil
}

// Configured reports whether direct FCM delivery is available.
func (s *FCMService) Configured() bool {
	return s.client != nil
}

// SendPush sends one notification to every registered device token.
// Dead tokens are logged and skipped, not treated as failures.
func (s *FCMService) SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if s.client == nil {
		return fmt.Errorf("fcm client not initialized")
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no device tokens registered")
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Icon:         "ic_notification",
				Sound:        "default",
				ChannelID:    "high_importance_channel",
				Priority:     messaging.PriorityHigh,
				DefaultSound: true,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Badge: intPtr(1),
					Sound: "default",
				},
			},
		},
	}

	resp, err := s.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	if resp.FailureCount > 0 {
		for i, r := range resp.Responses {
			if r.Error != nil {
				log.Printf("Push to token %d/%d failed: %v", i+1, len(tokens), r.Error)
			}
		}
	}
	if resp.SuccessCount == 0 {
		return fmt.Errorf("push rejected for all %d device tokens", len(tokens))
	}
	return nil
}

func intPtr(i int) *int {
	return &i
}
