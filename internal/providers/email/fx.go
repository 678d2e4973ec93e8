package email

import (
	"github.com/smallbiznis/dunningd/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(newNotifier),
)

func NewFromConfig(cfg config.Config) Provider {
	return NewSMTP(Config{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		Username:    cfg.Email.SMTPUsername,
		Password:    cfg.Email.SMTPPassword,
		From:        cfg.Email.SMTPFrom,
		TemplateDir: cfg.Email.TemplateDir,
	})
}

func newNotifier(cfg config.Config, provider Provider, log *zap.Logger) *Notifier {
	return NewNotifier(provider, StaticRecipients{cfg.Email.BillingContact}, log)
}
