// Package gateways defines the push, email and SMS delivery contracts and their implementations.
package gateways

import (
	"context"
	"errors"
)

// MaxPushBatch is the largest number of device tokens accepted by one SendBatch call.
const MaxPushBatch = 500

// ErrBatchTooLarge is returned when SendBatch receives more than MaxPushBatch tokens.
var ErrBatchTooLarge = errors.New("gateways: push batch exceeds limit")

// PushMessage is the content of a push notification.
type PushMessage struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
	Badge int            `json:"badge,omitempty"`
	Sound string         `json:"sound,omitempty"`
}

// PushResult is the per-token outcome of a push batch.
type PushResult struct {
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// PushGateway delivers push notifications to device tokens.
// A returned error means the whole batch failed; per-token failures are reported in the results.
type PushGateway interface {
	SendBatch(ctx context.Context, tokens []string, message PushMessage) ([]PushResult, error)
}

// EmailMessage is a single outgoing email.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailGateway sends email.
type EmailGateway interface {
	SendEmail(ctx context.Context, message EmailMessage) error
}

// SMSMessage is a single outgoing text message.
type SMSMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SMSGateway sends text messages.
type SMSGateway interface {
	SendSMS(ctx context.Context, message SMSMessage) error
}
