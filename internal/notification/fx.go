package notification

import (
	"github.com/smallbiznis/dunningd/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(func(n *email.Notifier) Notifier { return n }),
	fx.Provide(NewSender),
)
