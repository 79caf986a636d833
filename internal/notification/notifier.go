// Package notification forwards billing/lifecycle events to tenants and
// auditors. Delivery is fire-and-forget: failures are logged and swallowed so
// they can never roll back or block the billing state change that raised them.
package notification

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bolton/internal/config"
	"github.com/smallbiznis/bolton/internal/providers/email"
	"github.com/smallbiznis/bolton/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, tenantID snowflake.ID, eventType string, payload map[string]any)
}

type EmitterParam struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Email  email.Provider
	Slack  slack.Provider
}

type Emitter struct {
	log            *zap.Logger
	email          email.Provider
	slack          slack.Provider
	slackChannelID string
}

func NewEmitter(p EmitterParam) Notifier {
	return &Emitter{
		log:            p.Log.Named("notification"),
		email:          p.Email,
		slack:          p.Slack,
		slackChannelID: p.Config.SlackChannelID,
	}
}

func (e *Emitter) Notify(ctx context.Context, tenantID snowflake.ID, eventType string, payload map[string]any) {
	log := e.log.With(
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_type", eventType),
	)
	log.Info("billing event emitted", zap.Any("payload", payload))

	if e.slackChannelID != "" {
		message := fmt.Sprintf("[%s] tenant=%s payload=%v", eventType, tenantID, payload)
		if err := e.slack.PostMessage(ctx, e.slackChannelID, message); err != nil {
			log.Warn("slack notification failed", zap.Error(err))
		}
	}

	recipient, _ := payload["billing_email"].(string)
	if recipient == "" {
		return
	}
	subject := fmt.Sprintf("Billing update: %s", eventType)
	body := fmt.Sprintf("<p>Event: %s</p><p>Details: %v</p>", eventType, payload)
	if err := e.email.Send(ctx, []string{recipient}, subject, body); err != nil {
		log.Warn("email notification failed", zap.Error(err))
	}
}

// NoOpNotifier discards events. Intended for tests.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(ctx context.Context, tenantID snowflake.ID, eventType string, payload map[string]any) {
}

var Module = fx.Module("notification",
	fx.Provide(NewEmitter),
)
