package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FirebaseChannel implements DeliveryChannel via Firebase Cloud Messaging,
// the Go counterpart of flow7_core/notifications.py's firebase_admin.messaging
// usage (send_multicast preferred, per-token messaging.send as fallback).
type FirebaseChannel struct {
	client *messaging.Client
}

// NewFirebaseChannel initializes the FCM client from a service-account
// credentials file (FirebaseConfig.CredentialsFile).
func NewFirebaseChannel(ctx context.Context, credentialsFile string) (*FirebaseChannel, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging client: %w", err)
	}
	return &FirebaseChannel{client: client}, nil
}

// SendMulticast sends one message to all tokens in a single FCM batch call.
func (f *FirebaseChannel) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (MulticastResult, error) {
	msg := &messaging.MulticastMessage{
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
		Tokens:       tokens,
	}
	resp, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return MulticastResult{}, err
	}

	result := MulticastResult{SuccessCount: resp.SuccessCount, FailureCount: resp.FailureCount}
	if resp.FailureCount > 0 {
		result.PerTokenErrors = make(map[string]error, resp.FailureCount)
		for i, r := range resp.Responses {
			if !r.Success && i < len(tokens) {
				result.PerTokenErrors[tokens[i]] = r.Error
			}
		}
	}
	return result, nil
}

// SendSingle sends a single message to one token.
func (f *FirebaseChannel) SendSingle(ctx context.Context, token, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
		Token:        token,
	}
	_, err := f.client.Send(ctx, msg)
	return err
}
