package gateways

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrNotConfigured reports a send on a channel that has no relay.
var ErrNotConfigured = errors.New("gateways: channel not configured")

// LogGateway stands in for every gateway when no relay URL is configured. It logs each
// send and fails it with ErrNotConfigured, so nothing is recorded as sent.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway constructs a logging gateway.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger.Named("gateway")}
}

func (g *LogGateway) SendBatch(ctx context.Context, tokens []string, message PushMessage) ([]PushResult, error) {
	if len(tokens) > MaxPushBatch {
		return nil, ErrBatchTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.logger.Warn("push skipped, no relay configured",
		zap.Int("tokens", len(tokens)),
		zap.String("title", message.Title))
	return nil, ErrNotConfigured
}

func (g *LogGateway) SendEmail(ctx context.Context, message EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Warn("email skipped, no relay configured", zap.String("to", message.To), zap.String("subject", message.Subject))
	return ErrNotConfigured
}

func (g *LogGateway) SendSMS(ctx context.Context, message SMSMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Warn("sms skipped, no relay configured", zap.String("to", message.To))
	return ErrNotConfigured
}
