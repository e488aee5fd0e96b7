// Package push sends offline notifications through web push. Delivery
// failures are non-fatal: the message is already durably persisted by the
// time a push is attempted.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// DeliveryError marks a failed push attempt. Callers log it and move on.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Sender delivers one notification to a serialized push subscription.
type Sender interface {
	Send(ctx context.Context, subscription, title, body string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	Timeout         time.Duration
}

type WebPushSender struct {
	cfg Config
}

func NewWebPushSender(cfg Config) *WebPushSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebPushSender{cfg: cfg}
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *WebPushSender) Send(ctx context.Context, subscription, title, body string) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
		return &DeliveryError{Err: fmt.Errorf("invalid subscription: %w", err)}
	}

	payload, err := json.Marshal(notification{Title: title, Body: body})
	if err != nil {
		return &DeliveryError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		TTL:             60,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &DeliveryError{Err: fmt.Errorf("push endpoint returned status %d", resp.StatusCode)}
	}
	return nil
}
