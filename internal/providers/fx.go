package providers

import (
	"github.com/smallbiznis/bolton/internal/config"
	"github.com/smallbiznis/bolton/internal/providers/email"
	"github.com/smallbiznis/bolton/internal/providers/slack"
	"go.uber.org/fx"
)

func provideEmail(cfg config.Config) email.Provider {
	if cfg.SMTPHost == "" {
		return &email.NoOpProvider{}
	}
	return email.NewSMTP(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}

func provideSlack(cfg config.Config) slack.Provider {
	if cfg.SlackWebhookURL == "" {
		return &slack.NoOpProvider{}
	}
	return slack.NewWebhook(cfg.SlackWebhookURL)
}

var Module = fx.Module("providers",
	fx.Provide(provideEmail),
	fx.Provide(provideSlack),
)
