package dispatch

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/carpool/internal/models"
)

// Pusher delivers a notification to a user's devices.
type Pusher interface {
	Push(ctx context.Context, tokens []string, n models.Notification) error
}

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMPusher sends through Firebase Cloud Messaging.
type FCMPusher struct {
	client multicastSender
}

func NewFCMPusher(ctx context.Context, credentialsFile string) (*FCMPusher, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging client: %w", err)
	}
	return &FCMPusher{client: client}, nil
}

func (f *FCMPusher) Push(ctx context.Context, tokens []string, n models.Notification) error {
	if len(tokens) == 0 {
		return nil
	}
	badge := 1
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: map[string]string{
			"notification_id": n.ID,
			"ride_id":         n.RideID,
			"kind":            string(n.Kind),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID:    "carpool_rides",
				Sound:        "default",
				DefaultSound: true,
				Tag:          n.RideID,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default", Badge: &badge},
			},
		},
	}
	resp, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm multicast: %w", err)
	}
	if resp.FailureCount == len(tokens) {
		var errs []error
		for _, r := range resp.Responses {
			if r.Error != nil {
				errs = append(errs, r.Error)
			}
		}
		return fmt.Errorf("fcm: all %d tokens failed: %w", len(tokens), errors.Join(errs...))
	}
	return nil
}
