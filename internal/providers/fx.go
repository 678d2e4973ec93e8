package providers

import (
	"github.com/smallbiznis/dunningd/internal/providers/email"
	"github.com/smallbiznis/dunningd/internal/providers/gateway"
	"go.uber.org/fx"
)

// Module bundles the outbound collaborators: the email provider behind
// dunning and win-back sends, and the payment gateway used for retries.
var Module = fx.Module("providers",
	email.Module,
	gateway.Module,
)
